package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/isdelr/gallery-sync/internal/models"
	"github.com/isdelr/gallery-sync/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	maxActionBody = 1 << 20
	maxImageBody  = 32 << 20
)

// ActionHandler dispatches store actions posted by the UI and replies with
// their outcome.
type ActionHandler struct {
	store Dispatcher
}

func NewActionHandler(store Dispatcher) *ActionHandler {
	return &ActionHandler{store: store}
}

// Dispatch handles POST /actions/{name}. create_photo and update_photo also
// accept a multipart form with an "image" file part.
func (h *ActionHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var (
		action store.Action
		err    error
	)
	if (name == "create_photo" || name == "update_photo") && isMultipart(r) {
		action, err = decodePhotoForm(w, r, name)
	} else {
		var body []byte
		body, err = io.ReadAll(io.LimitReader(r.Body, maxActionBody))
		if err == nil {
			action, err = store.DecodeAction(name, body)
		}
	}
	if err != nil {
		var verrs models.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(err))
			return
		}
		http.Error(w, "Invalid action: "+err.Error(), http.StatusBadRequest)
		return
	}

	value, err := h.store.Dispatch(r.Context(), action).Wait(r.Context())
	if err != nil {
		status := errorStatus(err)
		log.Debug().Err(err).Str("action", name).Int("status", status).Msg("Action rejected")
		writeJSON(w, status, errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": value})
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

// decodePhotoForm builds a create_photo or update_photo action from a
// multipart form. update_photo also needs an "id" field.
func decodePhotoForm(w http.ResponseWriter, r *http.Request, name string) (store.Action, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBody)
	if err := r.ParseMultipartForm(maxImageBody); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	payload := models.PhotoPayload{
		Title:       r.FormValue("title"),
		Description: r.FormValue("desc"),
		ImageURL:    r.FormValue("imageUrl"),
	}
	image, mimeType, err := formImage(r)
	if err != nil {
		return nil, err
	}

	if name == "create_photo" {
		return store.CreatePhoto{Payload: payload, Image: image, MimeType: mimeType}, nil
	}
	id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, models.ValidationErrors{{Field: "id", Message: "photo id is required"}}
	}
	return store.UpdatePhoto{ID: id, Payload: payload, Image: image, MimeType: mimeType}, nil
}

// formImage returns the optional "image" part. A missing part yields a nil
// reader.
func formImage(r *http.Request) (io.Reader, string, error) {
	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return nil, "", nil
	case err != nil:
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", models.ValidationErrors{{Field: "image", Message: "file must be an image"}}
	}
	return bytes.NewReader(data), mimeType, nil
}
