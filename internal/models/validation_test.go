package models

import (
	"errors"
	"strings"
	"testing"
)

func TestRegisterPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload RegisterPayload
		fields  []string
	}{
		{"valid", RegisterPayload{Name: "Ada", Email: "ada@example.com", Password: "correct horse"}, nil},
		{"missing name", RegisterPayload{Email: "ada@example.com", Password: "correct horse"}, []string{"name"}},
		{"bad email and short password", RegisterPayload{Name: "Ada", Email: "ada", Password: "short"}, []string{"email", "password"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			if len(verrs) != len(tt.fields) {
				t.Fatalf("expected %d errors, got %v", len(tt.fields), verrs)
			}
			for i, f := range tt.fields {
				if verrs[i].Field != f {
					t.Errorf("error %d: expected field %q, got %q", i, f, verrs[i].Field)
				}
			}
		})
	}
}

func TestPhotoPayloadValidate(t *testing.T) {
	if err := (PhotoPayload{Title: "Sunset"}).Validate(false); err != nil {
		t.Fatalf("expected image to be optional, got %v", err)
	}
	if err := (PhotoPayload{Title: "Sunset"}).Validate(true); err == nil {
		t.Fatal("expected missing image to fail")
	}
	long := PhotoPayload{Title: strings.Repeat("x", MaxTitleLength+1), ImageURL: "https://cdn/x.jpg"}
	if err := long.Validate(true); err == nil || !strings.Contains(err.Error(), "title") {
		t.Fatalf("expected title length error, got %v", err)
	}
}

func TestLoginPayloadValidate(t *testing.T) {
	if err := (LoginPayload{}).Validate(); err == nil {
		t.Fatal("expected empty login to fail")
	}
	if err := (LoginPayload{Email: "a@b.c", Password: "x"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
