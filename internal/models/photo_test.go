package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPhotoDescriptionKey(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"short key", `{"id":1,"desc":"sand"}`, "sand"},
		{"long key", `{"id":1,"description":"sand"}`, "sand"},
		{"short key wins", `{"id":1,"desc":"sand","description":"dust"}`, "sand"},
		{"absent", `{"id":1}`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var p Photo
			if err := json.Unmarshal([]byte(tc.body), &p); err != nil {
				t.Fatal(err)
			}
			if p.ID != 1 || p.Description != tc.want {
				t.Fatalf("expected id 1 with %q, got %+v", tc.want, p)
			}
		})
	}
}

func TestPhotoEncodesShortDescriptionKey(t *testing.T) {
	out, err := json.Marshal(Photo{ID: 1, Description: "sand"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"desc":"sand"`) || strings.Contains(string(out), `"description"`) {
		t.Fatalf("unexpected encoding %s", out)
	}
}
