// Package credential mints and verifies short-lived transport credentials.
// A credential is scoped to one client identifier and authorizes that
// client to attach to room channels.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer = "webrtc-rooms"
	defaultTTL    = time.Hour
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrMissingClientID   = errors.New("client id is missing")
)

type Claims struct {
	ClientID string `json:"cid"`
	jwt.RegisteredClaims
}

type Token struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(cfg Config) *Issuer {
	iss := &Issuer{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    time.Now,
	}
	if iss.issuer == "" {
		iss.issuer = defaultIssuer
	}
	if iss.ttl == 0 {
		iss.ttl = defaultTTL
	}
	return iss
}

// Issue signs a credential for the client.
func (iss *Issuer) Issue(clientID string) (Token, error) {
	if clientID == "" {
		return Token{}, ErrMissingClientID
	}
	now := iss.now()
	expires := now.Add(iss.ttl)
	claims := Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    iss.issuer,
			Subject:   clientID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(iss.secret)
	if err != nil {
		return Token{}, fmt.Errorf("cannot sign credential: %w", err)
	}
	return Token{
		Token:     signed,
		ClientID:  clientID,
		ExpiresAt: expires.UTC().Truncate(time.Second),
	}, nil
}

// Verify checks that token is valid and was issued to clientID.
func (iss *Issuer) Verify(token, clientID string) error {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return iss.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(iss.issuer),
		jwt.WithTimeFunc(iss.now),
	)
	if err != nil {
		return errors.Join(ErrInvalidCredential, err)
	}
	if !parsed.Valid || claims.ClientID != clientID {
		return ErrInvalidCredential
	}
	return nil
}
