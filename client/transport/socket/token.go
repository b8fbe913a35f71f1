package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adwski/webrtc-rooms/client/channel"
)

const (
	defaultTokenTimeout = 5 * time.Second

	credentialsPath = "/credentials"
)

var (
	ErrCredential = errors.New("cannot obtain credential")
)

// TokenSource obtains a transport credential for a client before
// every attach.
type TokenSource interface {
	Token(ctx context.Context, clientID string) (string, error)
}

// HTTPTokenSource requests credentials from the broker API.
type HTTPTokenSource struct {
	BaseURL string
	Client  *http.Client
}

type credentialRequest struct {
	ClientID string `json:"client_id"`
}

type credentialResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

func (s *HTTPTokenSource) Token(ctx context.Context, clientID string) (string, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTokenTimeout}
	}
	body, err := json.Marshal(&credentialRequest{ClientID: clientID})
	if err != nil {
		return "", errors.Join(ErrCredential, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(s.BaseURL, "/")+credentialsPath, bytes.NewReader(body))
	if err != nil {
		return "", errors.Join(ErrCredential, channel.ErrNonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Join(ErrCredential, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var cr credentialResponse
	if err = json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", errors.Join(ErrCredential, fmt.Errorf("cannot decode response: %w", err))
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", errors.Join(ErrCredential, fmt.Errorf("status %d: %s", resp.StatusCode, cr.Error))
	case resp.StatusCode != http.StatusOK:
		// request was rejected as is, asking again will not help
		return "", errors.Join(ErrCredential, channel.ErrNonRetryable,
			fmt.Errorf("status %d: %s", resp.StatusCode, cr.Error))
	}
	return cr.Token, nil
}
