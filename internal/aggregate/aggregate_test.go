package aggregate

import (
	"image"
	"math"
	"testing"

	"mezocore/pkg/domain"
)

func snapshotWith(w, h int, masks ...domain.Mask) domain.MaskSnapshot {
	return domain.MaskSnapshot{
		Version:   domain.SnapshotVersion,
		Width:     w,
		Height:    h,
		Masks:     masks,
		NextOrder: len(masks),
	}
}

func TestComputeEmptyImage(t *testing.T) {
	res := Compute(snapshotWith(10, 10))
	if res.TotalPixels != 100 {
		t.Fatalf("total pixels %d", res.TotalPixels)
	}
	if res.Unclassified != 100 {
		t.Fatalf("expected all pixels unclassified, got %d", res.Unclassified)
	}
	for _, c := range domain.Categories() {
		if res.Counts[c] != 0 || res.Fractions[c] != 0 {
			t.Fatalf("category %s not zero: count=%d fraction=%v", c, res.Counts[c], res.Fractions[c])
		}
	}
}

func TestComputeOverlapLastAddedWins(t *testing.T) {
	// Two 100-pixel masks overlap on 40 pixels; the later mask owns the
	// contested pixels.
	first := domain.Mask{
		ID: "a", Category: domain.CategoryIsotropic, Order: 0,
		Region: domain.FromRect(20, 20, image.Rect(0, 0, 10, 10)),
	}
	second := domain.Mask{
		ID: "b", Category: domain.CategoryMesophaseFine, Order: 1,
		Region: domain.FromRect(20, 20, image.Rect(6, 0, 16, 10)),
	}
	res := Compute(snapshotWith(20, 20, first, second))
	if got := res.Counts[domain.CategoryMesophaseFine]; got != 100 {
		t.Fatalf("later mask must own the overlap, got %d", got)
	}
	if got := res.Counts[domain.CategoryIsotropic]; got != 60 {
		t.Fatalf("earlier mask must lose the overlap, got %d", got)
	}

	// Snapshot order in the slice must not matter, only the Order field.
	res2 := Compute(snapshotWith(20, 20, second, first))
	if !res.Equal(res2) {
		t.Fatalf("result depends on slice order, not creation order")
	}
}

func TestComputeUnlabeledStaysUnclassified(t *testing.T) {
	m := domain.Mask{
		ID: "u", Category: domain.CategoryUnlabeled, Order: 0,
		Region: domain.FromRect(10, 10, image.Rect(0, 0, 5, 5)),
	}
	res := Compute(snapshotWith(10, 10, m))
	if res.Unclassified != 100 {
		t.Fatalf("unlabeled pixels must stay unclassified, got %d", res.Unclassified)
	}
	if res.ClassifiedPixels() != 0 {
		t.Fatalf("classified pixels %d", res.ClassifiedPixels())
	}
}

func TestComputeFractionsOverClassifiedArea(t *testing.T) {
	a := domain.Mask{
		ID: "a", Category: domain.CategoryMesophaseCoarse, Order: 0,
		Region: domain.FromRect(10, 10, image.Rect(0, 0, 10, 3)),
	}
	b := domain.Mask{
		ID: "b", Category: domain.CategoryIsotropic, Order: 1,
		Region: domain.FromRect(10, 10, image.Rect(0, 3, 10, 4)),
	}
	res := Compute(snapshotWith(10, 10, a, b))
	if res.ClassifiedPixels() != 40 {
		t.Fatalf("classified %d", res.ClassifiedPixels())
	}
	if got := res.Fractions[domain.CategoryMesophaseCoarse]; got != 0.75 {
		t.Fatalf("coarse fraction %v", got)
	}
	if got := res.Fractions[domain.CategoryIsotropic]; got != 0.25 {
		t.Fatalf("isotropic fraction %v", got)
	}
	var sum float64
	for _, f := range res.Fractions {
		sum += f
	}
	if sum > 1.0000001 {
		t.Fatalf("fractions sum %v exceeds 1", sum)
	}
}

func TestComputeIdempotent(t *testing.T) {
	snap := snapshotWith(16, 16,
		domain.Mask{ID: "a", Category: domain.CategoryMesophaseBulk, Order: 0,
			Region: domain.FromCircle(16, 16, 8, 8, 5)},
		domain.Mask{ID: "b", Category: domain.CategoryIsotropic, Order: 1,
			Region: domain.FromRect(16, 16, image.Rect(0, 0, 6, 6))},
	)
	first := Compute(snap)
	second := Compute(snap)
	if !first.Equal(second) {
		t.Fatalf("compute is not deterministic")
	}
}

func TestMorphology(t *testing.T) {
	snap := snapshotWith(100, 100,
		domain.Mask{ID: "a", Category: domain.CategoryMesophaseFine, Order: 0,
			Region: domain.FromRect(100, 100, image.Rect(0, 0, 10, 10))},
	)
	meta := domain.ImageMeta{ScalePx: 100, ScaleMicron: 200} // 2 um per px
	stats := Morphology(snap, meta)
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat row, got %d", len(stats))
	}
	st := stats[0]
	if st.AreaPx != 100 {
		t.Fatalf("area px %d", st.AreaPx)
	}
	if st.AreaMicron2 != 400 {
		t.Fatalf("area um2 %v", st.AreaMicron2)
	}
	want := 2 * math.Sqrt(400/math.Pi)
	if math.Abs(st.EquivalentDiameterMicron-want) > 1e-9 {
		t.Fatalf("equivalent diameter %v, want %v", st.EquivalentDiameterMicron, want)
	}
}

func TestMezophaseContent(t *testing.T) {
	res := domain.ClassificationResult{
		TotalPixels: 1000,
		Counts: map[domain.Category]int{
			domain.CategoryMesophaseFine:   300,
			domain.CategoryMesophaseCoarse: 100,
			domain.CategoryIsotropic:       200,
		},
	}
	if got := MezophaseContent(res, 0); got != 0.4 {
		t.Fatalf("content without porosity %v", got)
	}
	// 20% pores shrink the material denominator to 800 pixels.
	if got := MezophaseContent(res, 0.2); got != 0.5 {
		t.Fatalf("porosity-corrected content %v", got)
	}
	if got := MezophaseContent(res, 1); got != 0 {
		t.Fatalf("fully porous sample must report 0, got %v", got)
	}
	if got := MezophaseContent(res, -0.5); got != 0.4 {
		t.Fatalf("negative porosity must clamp to 0, got %v", got)
	}

	saturated := domain.ClassificationResult{
		TotalPixels: 100,
		Counts:      map[domain.Category]int{domain.CategoryMesophaseBulk: 100},
	}
	if got := MezophaseContent(saturated, 0.5); got != 1 {
		t.Fatalf("content must clamp at 1, got %v", got)
	}
}
