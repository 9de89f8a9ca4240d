package domain

import (
	"errors"
	"image"
	"testing"
)

func validSnapshot() MaskSnapshot {
	return MaskSnapshot{
		Version: SnapshotVersion,
		Width:   10,
		Height:  10,
		Masks: []Mask{
			{ID: "a", Source: MaskSourceManual, Category: CategoryIsotropic, Order: 0,
				Region: FromRect(10, 10, image.Rect(0, 0, 3, 3))},
			{ID: "b", Source: MaskSourceOracle, Confidence: confidence(0.8), Category: CategoryMesophaseFine, Order: 1,
				Region: FromRect(10, 10, image.Rect(5, 5, 9, 9))},
		},
		ActiveID:  "b",
		NextOrder: 2,
	}
}

func TestSnapshotValidate(t *testing.T) {
	if err := validSnapshot().Validate(); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*MaskSnapshot)
	}{
		{"bad version", func(s *MaskSnapshot) { s.Version = 99 }},
		{"zero width", func(s *MaskSnapshot) { s.Width = 0 }},
		{"empty id", func(s *MaskSnapshot) { s.Masks[0].ID = "" }},
		{"duplicate id", func(s *MaskSnapshot) { s.Masks[1].ID = "a" }},
		{"bad category", func(s *MaskSnapshot) { s.Masks[0].Category = "granular" }},
		{"grid mismatch", func(s *MaskSnapshot) {
			s.Masks[0].Region = FromRect(8, 8, image.Rect(0, 0, 3, 3))
		}},
		{"zero area", func(s *MaskSnapshot) { s.Masks[0].Region = NewBitmap(10, 10) }},
		{"dangling active", func(s *MaskSnapshot) { s.ActiveID = "ghost" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := validSnapshot()
			tc.mutate(&snap)
			err := snap.Validate()
			if err == nil {
				t.Fatalf("expected validation failure")
			}
			var corrupt *CorruptStateError
			if !errors.As(err, &corrupt) {
				t.Fatalf("expected CorruptStateError, got %T", err)
			}
		})
	}
}

func TestSnapshotCloneIndependence(t *testing.T) {
	snap := validSnapshot()
	cp := snap.Clone()
	cp.Masks[0].Category = CategoryMesophaseBulk
	cp.Masks[0].Region.Runs[0].X1 = 9
	if snap.Masks[0].Category != CategoryIsotropic {
		t.Fatalf("clone shares mask storage")
	}
	if snap.Masks[0].Region.Runs[0].X1 != 3 {
		t.Fatalf("clone shares region storage")
	}
}

func TestMicronsPerPixel(t *testing.T) {
	meta := ImageMeta{ScalePx: 100, ScaleMicron: 50}
	if got := meta.MicronsPerPixel(); got != 0.5 {
		t.Fatalf("expected 0.5 um/px, got %v", got)
	}
	if got := (ImageMeta{}).MicronsPerPixel(); got != 1 {
		t.Fatalf("uncalibrated image must default to 1, got %v", got)
	}
}
