package credential

import (
	"errors"
	"testing"
	"time"
)

func TestIssueVerify(t *testing.T) {
	iss := NewIssuer(Config{Secret: []byte("secret"), TTL: time.Minute})

	tok, err := iss.Issue("client-a")
	if err != nil {
		t.Fatal(err)
	}
	if tok.ClientID != "client-a" || tok.Token == "" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	tests := []struct {
		name     string
		token    string
		clientID string
		wantErr  bool
	}{
		{name: "valid", token: tok.Token, clientID: "client-a"},
		{name: "other client", token: tok.Token, clientID: "client-b", wantErr: true},
		{name: "garbage", token: "not-a-jwt", clientID: "client-a", wantErr: true},
		{name: "empty", token: "", clientID: "client-a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := iss.Verify(tt.token, tt.clientID)
			if tt.wantErr && !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("expected ErrInvalidCredential, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	iss := NewIssuer(Config{Secret: []byte("secret"), TTL: time.Minute})
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return issued }

	tok, err := iss.Issue("client-a")
	if err != nil {
		t.Fatal(err)
	}
	iss.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if err = iss.Verify(tok.Token, "client-a"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected expired credential to be rejected, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tok, _ := NewIssuer(Config{Secret: []byte("one")}).Issue("client-a")
	if err := NewIssuer(Config{Secret: []byte("two")}).Verify(tok.Token, "client-a"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestIssueMissingClient(t *testing.T) {
	if _, err := NewIssuer(Config{Secret: []byte("s")}).Issue(""); !errors.Is(err, ErrMissingClientID) {
		t.Errorf("expected ErrMissingClientID, got %v", err)
	}
}
