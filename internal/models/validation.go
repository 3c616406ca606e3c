package models

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	MinPasswordLength    = 8
	MaxTitleLength       = 100
	MaxDescriptionLength = 1000
)

// ValidationError is a field-level problem detected before any request is sent.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every field problem of one payload.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// orNil keeps the error interface nil when nothing was collected.
func (v ValidationErrors) orNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Validate checks a login payload.
func (p LoginPayload) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(p.Email) == "" {
		errs = append(errs, ValidationError{Field: "email", Message: "email is required"})
	}
	if p.Password == "" {
		errs = append(errs, ValidationError{Field: "password", Message: "password is required"})
	}
	return errs.orNil()
}

// Validate checks a registration payload.
func (p RegisterPayload) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "name is required"})
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		errs = append(errs, ValidationError{Field: "email", Message: "email is not a valid address"})
	}
	if utf8.RuneCountInString(p.Password) < MinPasswordLength {
		errs = append(errs, ValidationError{Field: "password", Message: "password must be at least 8 characters"})
	}
	return errs.orNil()
}

// Validate checks a photo payload. imageURL may be empty when requireImage is
// false, which is the case when an upload will supply it.
func (p PhotoPayload) Validate(requireImage bool) error {
	var errs ValidationErrors
	switch n := utf8.RuneCountInString(strings.TrimSpace(p.Title)); {
	case n == 0:
		errs = append(errs, ValidationError{Field: "title", Message: "title is required"})
	case n > MaxTitleLength:
		errs = append(errs, ValidationError{Field: "title", Message: "title must be at most 100 characters"})
	}
	if utf8.RuneCountInString(p.Description) > MaxDescriptionLength {
		errs = append(errs, ValidationError{Field: "desc", Message: "description must be at most 1000 characters"})
	}
	if requireImage && strings.TrimSpace(p.ImageURL) == "" {
		errs = append(errs, ValidationError{Field: "imageUrl", Message: "image is required"})
	}
	return errs.orNil()
}
