package processing

import (
	"context"
	"errors"
	"image"

	"github.com/gabriel-vasile/mimetype"

	"github.com/menta2k/condition-report/pkg/types"
)

// ErrBudgetUnreachable is returned when even a tiny rendition exceeds MaxBytes
var ErrBudgetUnreachable = errors.New("image cannot be encoded within the byte budget")

// smallest long side tried before giving up
const minSide = 16

// NormalizeOptions bounds the output of Normalize
type NormalizeOptions struct {
	MaxSide        int
	Format         string
	Quality        int
	MaxBytes       int64
	MinQuality     int
	QualityStep    int
	ShrinkFactor   float64
	MaxAttempts    int
	LastResortSide int
}

// DefaultNormalizeOptions returns the limits used for condition photos
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{
		MaxSide:        2560,
		Format:         "jpg",
		Quality:        85,
		MaxBytes:       10 << 20,
		MinQuality:     65,
		QualityStep:    10,
		ShrinkFactor:   0.75,
		MaxAttempts:    6,
		LastResortSide: 1024,
	}
}

func (o NormalizeOptions) withDefaults() NormalizeOptions {
	d := DefaultNormalizeOptions()
	if o.MaxSide <= 0 {
		o.MaxSide = d.MaxSide
	}
	if o.Format == "" {
		o.Format = d.Format
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = d.Quality
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = d.MaxBytes
	}
	if o.MinQuality <= 0 || o.MinQuality > o.Quality {
		o.MinQuality = minInt(d.MinQuality, o.Quality)
	}
	if o.QualityStep <= 0 {
		o.QualityStep = d.QualityStep
	}
	if o.ShrinkFactor <= 0 || o.ShrinkFactor >= 1 {
		o.ShrinkFactor = d.ShrinkFactor
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.LastResortSide <= 0 {
		o.LastResortSide = d.LastResortSide
	}
	return o
}

// Blob is an encoded, size-bounded image
type Blob struct {
	Data        []byte
	ContentType string
	Extension   string
	Width       int
	Height      int
}

// Size returns the encoded length in bytes
func (b *Blob) Size() int64 { return int64(len(b.Data)) }

// Normalize decodes file and re-encodes it so that its long side is at most
// opts.MaxSide and its size at most opts.MaxBytes. Undecodable input yields a
// *types.DecodeError.
func (p *Processor) Normalize(ctx context.Context, file *types.LocalFile, opts NormalizeOptions) (*Blob, error) {
	if file == nil {
		return nil, &types.DecodeError{Err: errors.New("no file")}
	}
	opts = opts.withDefaults()

	h := p.previews.Create(file)
	defer p.previews.Release(h.URL)

	src, err := p.previews.Resolve(h.URL)
	if err != nil {
		return nil, err
	}
	img, err := p.decodeImageFromBytes(src.Data)
	if err != nil {
		return nil, &types.DecodeError{Name: file.Name, Err: err}
	}

	b := img.Bounds()
	if long := max(b.Dx(), b.Dy()); long < opts.MaxSide {
		opts.MaxSide = long
	}
	return p.fit(ctx, img, opts, false)
}

func (p *Processor) fit(ctx context.Context, img image.Image, opts NormalizeOptions, lastResort bool) (*Blob, error) {
	side, quality := opts.MaxSide, opts.Quality

	for attempt := 0; attempt < opts.MaxAttempts && side >= minSide; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		scaled := scaleToFit(img, side)
		data, err := p.encode(scaled, opts.Format, quality)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) <= opts.MaxBytes {
			return newBlob(data, scaled), nil
		}

		if quality > opts.MinQuality {
			quality = max(opts.MinQuality, quality-opts.QualityStep)
		} else {
			side = int(float64(side) * opts.ShrinkFactor)
		}
	}

	if lastResort {
		return nil, ErrBudgetUnreachable
	}

	small := opts
	small.MaxSide = minInt(opts.LastResortSide, side)
	small.Quality = opts.MinQuality
	small.MaxAttempts = 64
	return p.fit(ctx, img, small, true)
}

func newBlob(data []byte, img image.Image) *Blob {
	mt := mimetype.Detect(data)
	b := img.Bounds()
	return &Blob{
		Data:        data,
		ContentType: mt.String(),
		Extension:   mt.Extension(),
		Width:       b.Dx(),
		Height:      b.Dy(),
	}
}
