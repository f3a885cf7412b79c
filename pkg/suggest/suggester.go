// Package suggest drafts marker notes from detail photos with a vision model.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/menta2k/condition-report/pkg/client"
	"github.com/menta2k/condition-report/pkg/processing"
	"github.com/menta2k/condition-report/pkg/types"
)

// ErrNoDamage is returned when the model sees nothing worth noting
var ErrNoDamage = errors.New("no visible damage")

// DefaultPrompt asks for a JSON damage report
const DefaultPrompt = `You are inspecting a close-up photo of a vehicle panel for a condition report.

Return JSON only:
{
  "damage": true,
  "kind": "dent | scratch | chip | crack | rust | scuff | other",
  "note": "one short factual sentence (<= 20 words) describing the damage and where it is",
  "confidence": 0.0,
  "tags": ["tag1", "tag2"]
}

HARD RULES
- If no damage is visible, return {"damage": false, "kind": "", "note": "", "confidence": 0.0, "tags": []}.
- The note must describe only what is visible. Do not guess causes or costs.
- Tags: lowercase, concise, no punctuation or duplicates.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// MaxNoteLength bounds a drafted note in runes
const MaxNoteLength = 160

// Options configures a Suggester
type Options struct {
	Model     string
	Prompt    string
	MaxDim    int
	Processor *processing.Processor
	Logger    *zerolog.Logger
}

// Suggester turns a detail photo into a marker note
type Suggester struct {
	client    client.VisionClient
	processor *processing.Processor
	model     string
	prompt    string
	maxDim    int
	log       zerolog.Logger
}

// New creates a Suggester backed by c
func New(c client.VisionClient, opts Options) *Suggester {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "suggest").Logger()
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.MaxDim <= 0 {
		opts.MaxDim = 768
	}
	if opts.Processor == nil {
		opts.Processor = processing.NewProcessor()
	}
	return &Suggester{
		client:    c,
		processor: opts.Processor,
		model:     opts.Model,
		prompt:    opts.Prompt,
		maxDim:    opts.MaxDim,
		log:       log,
	}
}

// Suggest returns a drafted note for file, or ErrNoDamage
func (s *Suggester) Suggest(ctx context.Context, file *types.LocalFile) (string, error) {
	img, err := s.processor.Decode(file)
	if err != nil {
		return "", err
	}
	imgB64, err := s.processor.PrepareImageForModel(img, "jpg", s.maxDim, 85)
	if err != nil {
		return "", fmt.Errorf("prepare image: %w", err)
	}

	report, err := s.client.DescribeDamage(ctx, s.model, s.prompt, imgB64)
	if err != nil {
		return "", err
	}
	s.log.Debug().
		Str("file", file.Name).
		Bool("damage", report.Damage).
		Str("kind", report.Kind).
		Float64("confidence", report.Confidence).
		Msg("vision model replied")

	note := normalizeNote(report)
	if note == "" {
		return "", ErrNoDamage
	}
	return note, nil
}

// normalizeNote collapses whitespace, caps the length and drops replies the
// model marked as no damage or that look like fallback text.
func normalizeNote(r *client.DamageReport) string {
	if r == nil || !r.Damage {
		return ""
	}
	note := strings.Join(strings.Fields(r.Note), " ")
	if note == "" && r.Kind != "" {
		note = r.Kind
	}

	lower := strings.ToLower(note)
	for _, indicator := range []string{"no damage", "no visible damage", "none", "n/a"} {
		if lower == indicator {
			return ""
		}
	}

	if runes := []rune(note); len(runes) > MaxNoteLength {
		note = strings.TrimRightFunc(string(runes[:MaxNoteLength]), unicode.IsSpace)
	}
	if note != "" {
		runes := []rune(note)
		runes[0] = unicode.ToUpper(runes[0])
		note = string(runes)
	}
	return note
}
