package token

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/skip2/go-qrcode"
)

func TestQRImageRoundTrip(t *testing.T) {
	tok := New("Chemistry", "Period 3", 17.6868, 83.2185, 30*time.Minute, "prof.rao")

	img, err := EncodePNG(tok, 300)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeImage(img)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != tok.ID || got.Subject != tok.Subject || got.Period != tok.Period {
		t.Fatalf("decoded token differs: %+v vs %+v", got, tok)
	}
	if got.Latitude != tok.Latitude || got.Longitude != tok.Longitude {
		t.Fatalf("decoded anchor differs: %+v vs %+v", got, tok)
	}
	if !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("decoded expiry differs: %v vs %v", got.ExpiresAt, tok.ExpiresAt)
	}
}

func TestDecodeImageWithoutCode(t *testing.T) {
	blank := image.NewRGBA(image.Rect(0, 0, 120, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 120; x++ {
			blank.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, blank); err != nil {
		t.Fatalf("encode blank png: %v", err)
	}

	if _, err := DecodeImage(buf.Bytes()); !errors.Is(err, ErrNoCode) {
		t.Fatalf("expected ErrNoCode, got %v", err)
	}
}

func TestDecodeImageNotAnImage(t *testing.T) {
	if _, err := DecodeImage([]byte("definitely not an image")); !errors.Is(err, ErrNoCode) {
		t.Fatalf("expected ErrNoCode, got %v", err)
	}
}

func TestDecodeImageForeignQR(t *testing.T) {
	// A readable QR code that does not carry an attendance token.
	img, err := qrcode.Encode("hello world", qrcode.Medium, 300)
	if err != nil {
		t.Fatalf("encode foreign qr: %v", err)
	}
	if _, err := DecodeImage(img); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
