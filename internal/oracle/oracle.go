// Package oracle wraps the external segmentation model behind a narrow
// interface and normalizes its output into the engine's mask
// representation. Model-specific types never leak past this package, so any
// backend honoring the contract is substitutable.
package oracle

import (
	"context"
	"os"
	"sort"
	"strconv"

	"mezocore/pkg/domain"
)

// RawMask is one candidate region as produced by a segmentation backend,
// before normalization. Confidence may be on an arbitrary scale.
type RawMask struct {
	Region     domain.Bitmap
	Confidence float64
}

// Oracle is the black-box segmentation model boundary: given an image and a
// prompt it returns candidate masks with confidence scores.
type Oracle interface {
	Propose(ctx context.Context, img domain.Image, prompt domain.Prompt) ([]RawMask, error)
}

// DefaultConfidenceFloor is used when no floor is configured. Proposals
// scoring below the floor are dropped during normalization.
const DefaultConfidenceFloor = 0.5

// Config tunes proposal normalization.
type Config struct {
	// ConfidenceFloor drops proposals scoring below it, range [0,1].
	ConfidenceFloor float64
}

// ConfigFromEnv reads adapter settings from the environment.
//
//	MEZOCORE_ORACLE_CONFIDENCE_FLOOR: float in [0,1] (default 0.5)
func ConfigFromEnv() Config {
	cfg := Config{ConfidenceFloor: DefaultConfidenceFloor}
	if raw := os.Getenv("MEZOCORE_ORACLE_CONFIDENCE_FLOOR"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ConfidenceFloor = f
		}
	}
	return cfg
}

// Adapter translates oracle output into validated proposals. It is a pure
// translation layer: it never touches the mask store.
type Adapter struct {
	oracle Oracle
	cfg    Config
}

// NewAdapter wraps an oracle with the given normalization config.
func NewAdapter(o Oracle, cfg Config) *Adapter {
	return &Adapter{oracle: o, cfg: cfg}
}

// Propose invokes the oracle and normalizes its candidates: scores are
// clamped into [0,1], regions are re-clipped to the image grid, zero-area
// leftovers and sub-floor scores are dropped, and survivors are ordered by
// descending confidence (stable on ties).
func (a *Adapter) Propose(ctx context.Context, img domain.Image, prompt domain.Prompt) ([]domain.Proposal, error) {
	raws, err := a.oracle.Propose(ctx, img, prompt)
	if err != nil {
		return nil, &domain.OracleUnavailableError{Cause: err}
	}
	proposals := make([]domain.Proposal, 0, len(raws))
	for _, raw := range raws {
		conf := raw.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		if conf < a.cfg.ConfidenceFloor {
			continue
		}
		region := domain.FromRuns(img.Width, img.Height, raw.Region.Runs)
		if region.Area() == 0 {
			continue
		}
		proposals = append(proposals, domain.Proposal{Region: region, Confidence: conf})
	}
	sort.SliceStable(proposals, func(i, j int) bool {
		return proposals[i].Confidence > proposals[j].Confidence
	})
	return proposals, nil
}
