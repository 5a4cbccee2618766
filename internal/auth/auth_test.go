package auth

import (
	"context"
	"errors"
	"testing"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer sk-abc", "sk-abc"},
		{"bearer sk-abc", "sk-abc"},
		{"Bearer  sk-abc ", "sk-abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := BearerToken(c.header); got != c.want {
			t.Errorf("BearerToken(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

func TestStaticStore_Resolve(t *testing.T) {
	s := NewStaticStore()
	s.Add("sk-live-1", &Org{ID: "org-1", Project: "default"})

	org, err := s.Resolve(context.Background(), "sk-live-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if org.ID != "org-1" || org.Project != "default" {
		t.Errorf("got %+v", org)
	}

	_, err = s.Resolve(context.Background(), "sk-unknown")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown token: got %v, want ErrUnauthorized", err)
	}
}

func TestParseTokenSpecs(t *testing.T) {
	s := ParseTokenSpecs([]string{
		"sk-a:org-a:proj-1",
		"sk-b:org-b",
		"malformed",
		":empty-token",
	})

	org, err := s.Resolve(context.Background(), "sk-a")
	if err != nil || org.ID != "org-a" || org.Project != "proj-1" {
		t.Errorf("sk-a resolved to (%+v, %v)", org, err)
	}

	org, err = s.Resolve(context.Background(), "sk-b")
	if err != nil || org.ID != "org-b" || org.Project != "" {
		t.Errorf("sk-b resolved to (%+v, %v)", org, err)
	}

	if _, err := s.Resolve(context.Background(), "malformed"); err == nil {
		t.Error("malformed spec should not produce a token")
	}
}
