package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEnvCredentialProvider(t *testing.T) {
	t.Run("reads variable at call time", func(t *testing.T) {
		t.Setenv("TEST_REALTIME_KEY", "")
		p := &EnvCredentialProvider{Var: "TEST_REALTIME_KEY"}

		if _, err := p.Credential(context.Background()); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err = %v, want ErrMissingCredentials", err)
		}

		t.Setenv("TEST_REALTIME_KEY", "sk-rotated")
		key, err := p.Credential(context.Background())
		if err != nil {
			t.Fatalf("Credential: %v", err)
		}
		if key != "sk-rotated" {
			t.Errorf("key = %q, want %q", key, "sk-rotated")
		}
	})

	t.Run("default variable", func(t *testing.T) {
		var asked string
		p := &EnvCredentialProvider{Lookup: func(name string) string {
			asked = name
			return "sk-default"
		}}
		if _, err := p.Credential(context.Background()); err != nil {
			t.Fatalf("Credential: %v", err)
		}
		if asked != DefaultCredentialEnv {
			t.Errorf("looked up %q, want %q", asked, DefaultCredentialEnv)
		}
	})

	t.Run("whitespace only is missing", func(t *testing.T) {
		p := &EnvCredentialProvider{Lookup: func(string) string { return "  " }}
		_, err := p.Credential(context.Background())
		if !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err = %v, want ErrMissingCredentials", err)
		}
		if !strings.Contains(err.Error(), DefaultCredentialEnv) {
			t.Errorf("error %q should name the variable", err)
		}
	})
}

func TestStaticCredentialProvider(t *testing.T) {
	if _, err := (&StaticCredentialProvider{}).Credential(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("empty key: err = %v, want ErrMissingCredentials", err)
	}
	key, err := (&StaticCredentialProvider{Key: "sk-test"}).Credential(context.Background())
	if err != nil || key != "sk-test" {
		t.Errorf("Credential() = %q, %v", key, err)
	}
}

func TestEntraCredentialProvider(t *testing.T) {
	// Use a mock credential to test the provider without requiring real
	// Azure credentials.
	mock := &mockTokenCredential{token: "mock-entra-token"}
	p := NewEntraCredentialProviderWithCredential(mock, "")

	token, err := p.Credential(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "mock-entra-token" {
		t.Errorf("got %q, want %q", token, "mock-entra-token")
	}
	if mock.lastScope != CognitiveServicesScope {
		t.Errorf("scope = %q, want %q", mock.lastScope, CognitiveServicesScope)
	}

	t.Run("custom scope", func(t *testing.T) {
		mock := &mockTokenCredential{token: "tok"}
		p := NewEntraCredentialProviderWithCredential(mock, "api://custom/.default")
		if _, err := p.Credential(context.Background()); err != nil {
			t.Fatalf("Credential: %v", err)
		}
		if mock.lastScope != "api://custom/.default" {
			t.Errorf("scope = %q", mock.lastScope)
		}
	})

	t.Run("token error", func(t *testing.T) {
		mock := &mockTokenCredential{err: fmt.Errorf("no identity")}
		p := NewEntraCredentialProviderWithCredential(mock, "")
		_, err := p.Credential(context.Background())
		if err == nil || !strings.Contains(err.Error(), "acquire Entra token") {
			t.Errorf("err = %v", err)
		}
	})
}

func TestSanitizeErr(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bearer header", "handshake failed: Authorization: Bearer SECRET"},
		{"secret at end", "error SECRET"},
		{"secret repeated", "first SECRET second SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sanitizeErr(fmt.Errorf("%s", tt.input), "SECRET")
			if strings.Contains(err.Error(), "SECRET") {
				t.Errorf("secret not redacted: %v", err)
			}
			if !strings.Contains(err.Error(), "REDACTED") {
				t.Errorf("expected REDACTED in error: %v", err)
			}
		})
	}

	t.Run("no secret keeps error", func(t *testing.T) {
		orig := fmt.Errorf("connection refused")
		if err := sanitizeErr(orig, "SECRET"); err != orig {
			t.Errorf("expected unchanged error, got %q", err.Error())
		}
	})
}
