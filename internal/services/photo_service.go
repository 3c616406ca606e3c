package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/isdelr/gallery-sync/internal/client"
	"github.com/isdelr/gallery-sync/internal/models"
)

// PhotoServiceProvider defines the interface for photo services.
type PhotoServiceProvider interface {
	ListPhotos(ctx context.Context, query, cursor string, limit int) (models.PhotoPage, error)
	ListOwnerPhotos(ctx context.Context, query, cursor string, limit int) (models.PhotoPage, error)
	RecentPhotos(ctx context.Context) ([]models.Photo, error)
	CreatePhoto(ctx context.Context, payload models.PhotoPayload) (models.Photo, error)
	UpdatePhoto(ctx context.Context, id int64, payload models.PhotoPayload) (models.Photo, error)
	DeletePhoto(ctx context.Context, id int64) error
	SignedUpload(ctx context.Context, mimeType string) (models.SignedUpload, error)
}

// PhotoService provides typed access to the photo endpoints.
type PhotoService struct {
	client client.Requester
}

// NewPhotoService creates a new PhotoService.
func NewPhotoService(c client.Requester) *PhotoService {
	return &PhotoService{client: c}
}

// ListPhotos fetches one page of every user's photos.
func (s *PhotoService) ListPhotos(ctx context.Context, query, cursor string, limit int) (models.PhotoPage, error) {
	return s.page(ctx, "/photos", query, cursor, limit)
}

// ListOwnerPhotos fetches one page of the authenticated user's photos.
func (s *PhotoService) ListOwnerPhotos(ctx context.Context, query, cursor string, limit int) (models.PhotoPage, error) {
	return s.page(ctx, "/photos/owner", query, cursor, limit)
}

func (s *PhotoService) page(ctx context.Context, path, query, cursor string, limit int) (models.PhotoPage, error) {
	params := url.Values{}
	if query != "" {
		params.Set("query", query)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page models.PhotoPage
	if err := s.client.JSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return models.PhotoPage{}, err
	}
	return page, nil
}

// RecentPhotos fetches the bounded, unpaged list of newest photos.
func (s *PhotoService) RecentPhotos(ctx context.Context) ([]models.Photo, error) {
	var photos []models.Photo
	err := s.client.JSON(ctx, http.MethodGet, "/photos/recent", nil, &photos)
	return photos, err
}

// CreatePhoto creates a photo entry for an already uploaded image.
func (s *PhotoService) CreatePhoto(ctx context.Context, payload models.PhotoPayload) (models.Photo, error) {
	var photo models.Photo
	err := s.client.JSON(ctx, http.MethodPost, "/photos", payload, &photo)
	return photo, err
}

// UpdatePhoto replaces the editable fields of a photo.
func (s *PhotoService) UpdatePhoto(ctx context.Context, id int64, payload models.PhotoPayload) (models.Photo, error) {
	var photo models.Photo
	err := s.client.JSON(ctx, http.MethodPatch, fmt.Sprintf("/photos/%d", id), payload, &photo)
	return photo, err
}

// DeletePhoto removes a photo.
func (s *PhotoService) DeletePhoto(ctx context.Context, id int64) error {
	return s.client.JSON(ctx, http.MethodDelete, fmt.Sprintf("/photos/%d", id), nil, nil)
}

// SignedUpload asks the backend for a pre-signed upload target.
func (s *PhotoService) SignedUpload(ctx context.Context, mimeType string) (models.SignedUpload, error) {
	var out models.SignedUpload
	err := s.client.JSON(ctx, http.MethodPost, "/photos/signed-upload", map[string]string{"mimeType": mimeType}, &out)
	return out, err
}
