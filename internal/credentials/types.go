package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"ocpihub.org/internal/ocpi"
)

var (
	ErrInvalidToken = errors.New("credentials: invalid token")
	ErrWrongState   = errors.New("credentials: wrong state")
	ErrMalformed    = errors.New("credentials: malformed credentials object")
	ErrNotFound     = errors.New("credentials: not found")
	ErrExists       = errors.New("credentials: already exists")
	// ErrStale is returned by Store.Swap when the expected version is no longer current.
	ErrStale = errors.New("credentials: stale version")
)

// State is the handshake state of a credential.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateTokenAIssued  State = "TOKEN_A_ISSUED"
	StateHandshake     State = "HANDSHAKE_IN_PROGRESS"
	StateActive        State = "ACTIVE"
	StateRevoked       State = "REVOKED"
)

// Credential is the hub-side handshake record of one organization. Hub
// tokens are only held as digests.
type Credential struct {
	OrganizationID    string
	TokenHash         string
	PreviousTokenHash string
	PreviousExpiresAt time.Time
	PeerToken         string
	PeerURL           string
	PeerEndpoints     []ocpi.Endpoint
	State             State
	Version           int64
	UpdatedAt         time.Time
}

func (c Credential) clone() Credential {
	if c.PeerEndpoints != nil {
		c.PeerEndpoints = append([]ocpi.Endpoint(nil), c.PeerEndpoints...)
	}
	return c
}

// hashes returns the token digests currently indexed for c.
func (c Credential) hashes() []string {
	var out []string
	if c.TokenHash != "" {
		out = append(out, c.TokenHash)
	}
	if c.PreviousTokenHash != "" {
		out = append(out, c.PreviousTokenHash)
	}
	return out
}

// BusinessDetails names the party behind a credentials role.
type BusinessDetails struct {
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
}

// Role is one entry of a credentials object's roles list.
type Role struct {
	Role            string          `json:"role"`
	BusinessDetails BusinessDetails `json:"business_details"`
	PartyID         string          `json:"party_id"`
	CountryCode     string          `json:"country_code"`
}

// Object is the OCPI credentials object exchanged in both directions.
type Object struct {
	Token     string          `json:"token"`
	URL       string          `json:"url"`
	Roles     []Role          `json:"roles"`
	Endpoints []ocpi.Endpoint `json:"endpoints,omitempty"`
}

// Validate checks a party's offer before it is stored.
func (o Object) Validate() error {
	_, err := o.Canonical()
	return err
}

// Canonical validates the offer and returns a copy whose endpoints carry
// the canonical identifier and role spelling.
func (o Object) Canonical() (Object, error) {
	if strings.TrimSpace(o.Token) == "" {
		return Object{}, fmt.Errorf("%w: token is required", ErrMalformed)
	}
	if err := ocpi.ValidateURL(o.URL); err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(o.Endpoints) == 0 {
		return Object{}, fmt.Errorf("%w: endpoints must not be empty", ErrMalformed)
	}
	out := o
	out.Endpoints = make([]ocpi.Endpoint, len(o.Endpoints))
	for i, ep := range o.Endpoints {
		c, err := ep.Canonical()
		if err != nil {
			return Object{}, fmt.Errorf("%w: endpoints[%d]: %v", ErrMalformed, i, err)
		}
		out.Endpoints[i] = c
	}
	return out, nil
}

// Principal is the result of a successful token authentication.
type Principal struct {
	OrganizationID string
	State          State
	// Previous is set when the presented token is the previous one, still
	// inside its window.
	Previous bool
}

// HashToken returns the digest under which a hub token is stored and indexed.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewToken returns 32 random bytes, base64url encoded.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
