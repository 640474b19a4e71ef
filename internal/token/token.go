package token

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Token is the time- and location-bound attendance credential issued per
// class session. The json tags define the payload carried inside the QR
// image; issuance and redemption built at different times must agree on
// them, so they are stable.
type Token struct {
	ID        string    `json:"qr_id"`
	Subject   string    `json:"subject"`
	Period    string    `json:"period"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	IssuedAt  time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Persisted but never carried in the QR payload.
	CreatedBy string `json:"-"`
	Active    bool   `json:"-"`
}

var (
	// ErrNoCode means no QR code could be located in the image.
	ErrNoCode = errors.New("no qr code found in image")
	// ErrMalformed means a code was read but its payload is not a valid
	// attendance token.
	ErrMalformed = errors.New("payload is not a valid attendance token")
)

// New issues a token anchored at the given classroom coordinate. Timestamps
// are truncated to whole seconds so the payload survives a JSON round trip
// unchanged.
func New(subject, period string, lat, lon float64, validFor time.Duration, createdBy string) Token {
	now := time.Now().UTC().Truncate(time.Second)
	return Token{
		ID:        uuid.NewString(),
		Subject:   subject,
		Period:    period,
		Latitude:  lat,
		Longitude: lon,
		IssuedAt:  now,
		ExpiresAt: now.Add(validFor),
		CreatedBy: createdBy,
		Active:    true,
	}
}

// Expired reports whether the token's own expiry has passed at the given
// instant. This is independent of the store's active flag.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Payload serializes the public fields for embedding in a QR code.
func (t Token) Payload() ([]byte, error) {
	return json.Marshal(t)
}

// ParsePayload decodes and validates a QR payload. ErrMalformed covers both
// non-JSON data and JSON missing required fields.
func ParsePayload(data []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, ErrMalformed
	}
	if t.ID == "" || t.Subject == "" || t.Period == "" || t.ExpiresAt.IsZero() {
		return nil, ErrMalformed
	}
	return &t, nil
}
