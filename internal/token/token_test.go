package token

import (
	"errors"
	"testing"
	"time"
)

func TestNewTokenInvariants(t *testing.T) {
	tok := New("Mathematics", "Period 2", 17.6868, 83.2185, 30*time.Minute, "prof.rao")
	if tok.ID == "" {
		t.Fatal("expected a generated id")
	}
	if !tok.ExpiresAt.After(tok.IssuedAt) {
		t.Fatalf("expiry %v not after issue %v", tok.ExpiresAt, tok.IssuedAt)
	}
	if !tok.Active {
		t.Fatal("new tokens must start active")
	}
	if tok.Expired(tok.IssuedAt) {
		t.Fatal("token must not be expired at issue time")
	}
	if !tok.Expired(tok.ExpiresAt.Add(time.Second)) {
		t.Fatal("token must be expired after its expiry")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	tok := New("Physics", "Period 5", 17.6868, 83.2185, 45*time.Minute, "prof.rao")

	payload, err := tok.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	got, err := ParsePayload(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got.ID != tok.ID || got.Subject != tok.Subject || got.Period != tok.Period {
		t.Fatalf("identity fields changed: %+v vs %+v", got, tok)
	}
	if got.Latitude != tok.Latitude || got.Longitude != tok.Longitude {
		t.Fatalf("anchor changed: %+v vs %+v", got, tok)
	}
	if !got.IssuedAt.Equal(tok.IssuedAt) || !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("timestamps changed: %v/%v vs %v/%v", got.IssuedAt, got.ExpiresAt, tok.IssuedAt, tok.ExpiresAt)
	}
}

func TestParsePayloadRejectsBadData(t *testing.T) {
	cases := map[string]string{
		"not json":        "this is not json",
		"empty object":    "{}",
		"missing subject": `{"qr_id":"abc","period":"Period 1","expires_at":"2026-01-01T10:00:00Z"}`,
		"missing expiry":  `{"qr_id":"abc","subject":"Math","period":"Period 1"}`,
		"wrong shape":     `["qr_id","subject"]`,
	}
	for name, payload := range cases {
		if _, err := ParsePayload([]byte(payload)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}
