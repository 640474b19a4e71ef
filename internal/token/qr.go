package token

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
	"github.com/skip2/go-qrcode"
)

// EncodePNG renders the token payload as a QR code PNG of the given pixel
// size. Medium error correction matches what students' phone cameras cope
// with in practice.
func EncodePNG(t Token, size int) ([]byte, error) {
	if size <= 0 {
		size = 300
	}
	payload, err := t.Payload()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(string(payload), qrcode.Medium, size)
}

// DecodeImage scans a captured raster image (PNG or JPEG) for a QR code and
// parses the embedded token. Returns ErrNoCode when no code can be located
// and ErrMalformed when a code is found but does not carry a valid token;
// both are recoverable, the student retries with a different image.
func DecodeImage(data []byte) (*Token, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrNoCode
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, ErrNoCode
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := zxqrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return nil, ErrNoCode
	}
	return ParsePayload([]byte(result.GetText()))
}
