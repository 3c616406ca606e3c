package models

import (
	"encoding/json"
	"time"
)

// Owner is the public part of the user who uploaded a photo.
type Owner struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Photo represents a single gallery entry as returned by the backend.
type Photo struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"desc"`
	ImageURL    string    `json:"imageUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	Owner       Owner     `json:"owner"`
}

// UnmarshalJSON reads the description from "desc", falling back to the
// longer "description" key some responses use.
func (p *Photo) UnmarshalJSON(data []byte) error {
	type plain Photo
	aux := struct {
		*plain
		LongDescription *string `json:"description"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if p.Description == "" && aux.LongDescription != nil {
		p.Description = *aux.LongDescription
	}
	return nil
}

// PhotoPage is one page of a cursor-paginated photo listing.
// A nil NextCursor means the listing is exhausted.
type PhotoPage struct {
	Items      []Photo `json:"items"`
	NextCursor *string `json:"nextCursor"`
}

// PhotoPayload is the body for creating or updating a photo.
type PhotoPayload struct {
	Title       string `json:"title"`
	Description string `json:"desc"`
	ImageURL    string `json:"imageUrl"`
}

// SignedUpload is the backend's answer to a signed upload request.
type SignedUpload struct {
	UploadURL string `json:"uploadUrl"`
	FileURL   string `json:"fileUrl"`
}
