package store

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/isdelr/gallery-sync/internal/models"
)

// Feed names.
const (
	FeedAll    = "all"
	FeedOwner  = "owner"
	FeedRecent = "recent"
)

// Action is anything that can be dispatched to the Store.
type Action interface {
	ActionName() string
}

type Login struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Logout struct{}

type Register struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Restore validates a credential persisted by a previous run.
type Restore struct{}

// AdoptCredential signs in with an access token obtained outside the login
// form, such as a third-party sign-in redirect.
type AdoptCredential struct {
	Token string `json:"token"`
}

// SetQuery changes the active query of a paginated feed. It never fetches.
type SetQuery struct {
	Feed  string `json:"feed"`
	Query string `json:"query"`
}

// LoadNext requests the next page of a paginated feed.
type LoadNext struct {
	Feed string `json:"feed"`
}

type LoadRecent struct{}

// CreatePhoto creates a photo. When Image is set it is uploaded first and its
// public URL replaces Payload.ImageURL.
type CreatePhoto struct {
	Payload  models.PhotoPayload `json:"payload"`
	Image    io.Reader           `json:"-"`
	MimeType string              `json:"mimeType,omitempty"`
}

// UpdatePhoto edits a photo. An attached Image is uploaded first and replaces
// the current one; otherwise Payload.ImageURL keeps pointing at it.
type UpdatePhoto struct {
	ID       int64               `json:"id"`
	Payload  models.PhotoPayload `json:"payload"`
	Image    io.Reader           `json:"-"`
	MimeType string              `json:"mimeType,omitempty"`
}

type DeletePhoto struct {
	ID int64 `json:"id"`
}

type DismissNotice struct {
	ID string `json:"id"`
}

func (Login) ActionName() string           { return "login" }
func (Logout) ActionName() string          { return "logout" }
func (Register) ActionName() string        { return "register" }
func (Restore) ActionName() string         { return "restore" }
func (AdoptCredential) ActionName() string { return "adopt_credential" }
func (SetQuery) ActionName() string        { return "set_query" }
func (LoadNext) ActionName() string        { return "load_next" }
func (LoadRecent) ActionName() string      { return "load_recent" }
func (CreatePhoto) ActionName() string     { return "create_photo" }
func (UpdatePhoto) ActionName() string     { return "update_photo" }
func (DeletePhoto) ActionName() string     { return "delete_photo" }
func (DismissNotice) ActionName() string   { return "dismiss_notice" }

// DecodeAction builds an action from its wire name and JSON body.
func DecodeAction(name string, body []byte) (Action, error) {
	var a Action
	switch name {
	case "login":
		a = &Login{}
	case "logout":
		a = &Logout{}
	case "register":
		a = &Register{}
	case "restore":
		a = &Restore{}
	case "adopt_credential":
		a = &AdoptCredential{}
	case "set_query":
		a = &SetQuery{}
	case "load_next":
		a = &LoadNext{}
	case "load_recent":
		a = &LoadRecent{}
	case "create_photo":
		a = &CreatePhoto{}
	case "update_photo":
		a = &UpdatePhoto{}
	case "delete_photo":
		a = &DeletePhoto{}
	case "dismiss_notice":
		a = &DismissNotice{}
	default:
		return nil, fmt.Errorf("unknown action %q", name)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return deref(a), nil
}

func deref(a Action) Action {
	switch v := a.(type) {
	case *Login:
		return *v
	case *Logout:
		return *v
	case *Register:
		return *v
	case *Restore:
		return *v
	case *AdoptCredential:
		return *v
	case *SetQuery:
		return *v
	case *LoadNext:
		return *v
	case *LoadRecent:
		return *v
	case *CreatePhoto:
		return *v
	case *UpdatePhoto:
		return *v
	case *DeletePhoto:
		return *v
	case *DismissNotice:
		return *v
	}
	return a
}
