package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/vertebra-api/internal/model"
)

const DataURIPrefix = "data:image/png;base64,"

// DefaultMaxPixels matches the decompression-bomb limit of common imaging
// libraries.
const DefaultMaxPixels = 89478485

var (
	ErrNotRGB   = errors.New("image is not a 3-channel RGB image")
	ErrTooLarge = errors.New("image exceeds pixel limit")
)

// Decode reads an image in any registered format and rejects anything that
// is not a plain 3-channel raster. The header is checked against maxPixels
// before any pixel buffer is allocated; maxPixels <= 0 means
// DefaultMaxPixels.
func Decode(r io.Reader, maxPixels int) (image.Image, string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, fmt.Errorf("failed to decode image: empty %dx%d %s", cfg.Width, cfg.Height, format)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, format, fmt.Errorf("%w: %dx%d %s, limit %d pixels", ErrTooLarge, cfg.Width, cfg.Height, format, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	n := Channels(img)
	// lossless WebP always decodes to NRGBA; the container says whether
	// alpha is actually stored
	if _, ok := img.(*image.NRGBA); ok && format == "webp" && !webpAlpha(data) {
		n = 3
	}
	if n != 3 {
		return nil, format, fmt.Errorf("%w: %s with %d channels", ErrNotRGB, format, n)
	}
	return img, format, nil
}

// webpAlpha reports whether a WebP file declares an alpha channel, either
// through the VP8X alpha flag or the VP8L alpha_is_used bit.
func webpAlpha(data []byte) bool {
	if len(data) < 21 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return true
	}
	switch string(data[12:16]) {
	case "VP8X":
		return data[20]&0x10 != 0
	case "VP8L":
		// byte 20 is the 0x2f signature, then 14+14 bits of size
		return len(data) < 25 || data[24]&0x10 != 0
	}
	return false
}

// Channels reports how many channels the decoded raster carries. Decoders
// pick the raster type from the file's color type, so this follows what the
// file stored rather than what the pixels happen to contain. Truecolor PNG
// without alpha decodes to RGBA, with alpha to NRGBA.
func Channels(img image.Image) int {
	switch im := img.(type) {
	case *image.YCbCr:
		return 3
	case *image.RGBA:
		if im.Opaque() {
			return 3
		}
		return 4
	case *image.RGBA64:
		if im.Opaque() {
			return 3
		}
		return 4
	case *image.NRGBA, *image.NRGBA64, *image.NYCbCrA, *image.CMYK:
		return 4
	case *image.Gray, *image.Gray16, *image.Paletted, *image.Alpha, *image.Alpha16:
		return 1
	}
	return 0
}

// EncodeMask renders mask as an 8-bit grayscale PNG, 0 -> black, 1 -> white.
func EncodeMask(mask *model.Mask) ([]byte, error) {
	if mask == nil || mask.Width <= 0 || mask.Height <= 0 {
		return nil, errors.New("empty mask")
	}
	if len(mask.Values) != mask.Width*mask.Height {
		return nil, fmt.Errorf("mask has %d values, want %d", len(mask.Values), mask.Width*mask.Height)
	}

	gray := image.NewGray(image.Rect(0, 0, mask.Width, mask.Height))
	for i, v := range mask.Values {
		gray.Pix[i] = toByte(v)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("failed to encode mask: %w", err)
	}
	return buf.Bytes(), nil
}

// toByte scales to [0,255] and truncates.
func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v * 255)
}

func DataURI(pngData []byte) string {
	return DataURIPrefix + base64.StdEncoding.EncodeToString(pngData)
}

// MaskDataURI encodes mask straight to a PNG data URI.
func MaskDataURI(mask *model.Mask) (string, error) {
	data, err := EncodeMask(mask)
	if err != nil {
		return "", err
	}
	return DataURI(data), nil
}

// DecodeDataURI is the inverse of DataURI.
func DecodeDataURI(uri string) (image.Image, error) {
	payload, ok := strings.CutPrefix(uri, DataURIPrefix)
	if !ok {
		return nil, errors.New("not a PNG data URI")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode png: %w", err)
	}
	return img, nil
}
