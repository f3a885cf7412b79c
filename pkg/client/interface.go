package client

import (
	"context"
)

// VisionClient asks a vision model about a base64 encoded image
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	DescribeDamage(ctx context.Context, model, prompt, imgB64 string) (*DamageReport, error)
}

// DamageReport is a vision model's structured reading of a detail photo
type DamageReport struct {
	Damage     bool     `json:"damage"`
	Kind       string   `json:"kind"`
	Note       string   `json:"note"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}
