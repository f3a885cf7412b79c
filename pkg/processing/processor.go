package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/condition-report/pkg/preview"
	"github.com/menta2k/condition-report/pkg/types"
)

// Encoder writes img in the given format. Quality is ignored by lossless formats.
type Encoder func(w io.Writer, img image.Image, format string, quality int) error

// Processor handles image decoding, normalization and encoding
type Processor struct {
	encoder  Encoder
	previews *preview.Registry
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		encoder:  EncodeDirect,
		previews: preview.NewRegistry(),
	}
}

// SetEncoder replaces the primary encoder
func (p *Processor) SetEncoder(enc Encoder) {
	p.encoder = enc
}

// SetPreviews makes the processor allocate its decode handles from r
func (p *Processor) SetPreviews(r *preview.Registry) {
	p.previews = r
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return p.decodeImageFromBytes(data)
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.encoder(f, img, format, quality)
}

// Decode decodes a local file. Undecodable input yields a *types.DecodeError.
func (p *Processor) Decode(file *types.LocalFile) (image.Image, error) {
	if file == nil {
		return nil, &types.DecodeError{Err: errors.New("no file")}
	}
	img, err := p.decodeImageFromBytes(file.Data)
	if err != nil {
		return nil, &types.DecodeError{Name: file.Name, Err: err}
	}
	return img, nil
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}

	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// EncodeDirect is the default encoder: jpeg and png through imaging, webp through libwebp
func EncodeDirect(w io.Writer, img image.Image, format string, quality int) error {
	switch normalizeFormat(format) {
	case "webp":
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	case "png":
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	}
}

// PrepareImageForModel resizes img so its long side is at most maxDim and
// returns it base64 encoded. Only jpg and png are produced.
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		img = scaleToFit(img, maxDim)
	}

	var buf bytes.Buffer
	switch normalizeFormat(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// encode runs the primary encoder and falls back to a data URL round trip
// when it fails or produces nothing.
func (p *Processor) encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.encoder(&buf, img, format, quality); err == nil && buf.Len() > 0 {
		return buf.Bytes(), nil
	}

	mime := "image/jpeg"
	if normalizeFormat(format) == "png" {
		mime = "image/png"
	}
	b64, err := p.PrepareImageForModel(img, format, 0, quality)
	if err != nil {
		return nil, fmt.Errorf("encode fallback: %w", err)
	}
	return decodeDataURL("data:" + mime + ";base64," + b64)
}

func decodeDataURL(value string) ([]byte, error) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid data url")
	}
	if !strings.Contains(parts[0], ";base64") {
		return nil, errors.New("data url must be base64 encoded")
	}
	return base64.StdEncoding.DecodeString(parts[1])
}

func normalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "png":
		return "png"
	case "webp":
		return "webp"
	default:
		return "jpg"
	}
}

// scaleToFit shrinks img so its longer side is at most maxSide
func scaleToFit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}
	if w >= h {
		return imaging.Resize(img, maxSide, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, maxSide, imaging.Lanczos)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
