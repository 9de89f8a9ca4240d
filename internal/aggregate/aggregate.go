// Package aggregate derives classification statistics from mask snapshots.
// Everything here is a pure function of its inputs: no hidden state, safe
// for concurrent callers, and bit-identical on identical input.
package aggregate

import (
	"math"
	"sort"

	"mezocore/pkg/domain"
)

// Compute rasterizes the overlap-resolved mask layering once and tallies
// pixel counts per category. Pixels claimed by multiple masks resolve to
// the mask with the highest creation-order index. Background pixels and
// pixels owned only by unlabeled masks land in the Unclassified bucket and
// are excluded from the fraction denominator.
func Compute(snap domain.MaskSnapshot) domain.ClassificationResult {
	total := snap.Width * snap.Height
	result := domain.ClassificationResult{
		TotalPixels: total,
		Counts:      make(map[domain.Category]int, len(domain.Categories())),
		Fractions:   make(map[domain.Category]float64, len(domain.Categories())),
	}
	for _, c := range domain.Categories() {
		result.Counts[c] = 0
		result.Fractions[c] = 0
	}
	if total <= 0 {
		return result
	}

	masks := make([]domain.Mask, len(snap.Masks))
	copy(masks, snap.Masks)
	sort.Slice(masks, func(i, j int) bool { return masks[i].Order < masks[j].Order })

	owner := make([]int32, total)
	for i := range owner {
		owner[i] = -1
	}
	for i, m := range masks {
		for _, r := range m.Region.Runs {
			row := r.Y * snap.Width
			for x := r.X0; x < r.X1; x++ {
				owner[row+x] = int32(i)
			}
		}
	}

	for _, idx := range owner {
		if idx < 0 {
			result.Unclassified++
			continue
		}
		cat := masks[idx].Category
		if cat == domain.CategoryUnlabeled {
			result.Unclassified++
			continue
		}
		result.Counts[cat]++
	}

	classified := total - result.Unclassified
	if classified > 0 {
		for c, n := range result.Counts {
			result.Fractions[c] = float64(n) / float64(classified)
		}
	}
	return result
}

// MaskStats captures per-mask morphology in calibrated units.
type MaskStats struct {
	ID       string          `json:"id"`
	Category domain.Category `json:"category"`
	AreaPx   int             `json:"area_px"`
	// AreaMicron2 is the mask area in µm², using the image's px/µm scale.
	AreaMicron2 float64 `json:"area_um2"`
	// EquivalentDiameterMicron is the diameter of the circle with the same
	// area, the size measure the original report tabulated per sphere.
	EquivalentDiameterMicron float64 `json:"equivalent_diameter_um"`
}

// Morphology computes per-mask size statistics in creation order. Areas are
// the masks' own extents, before overlap resolution, matching how the
// original report measured each detected sphere independently.
func Morphology(snap domain.MaskSnapshot, meta domain.ImageMeta) []MaskStats {
	masks := make([]domain.Mask, len(snap.Masks))
	copy(masks, snap.Masks)
	sort.Slice(masks, func(i, j int) bool { return masks[i].Order < masks[j].Order })

	mpp := meta.MicronsPerPixel()
	stats := make([]MaskStats, 0, len(masks))
	for _, m := range masks {
		areaPx := m.Region.Area()
		areaMicron := float64(areaPx) * mpp * mpp
		stats = append(stats, MaskStats{
			ID:                       m.ID,
			Category:                 m.Category,
			AreaPx:                   areaPx,
			AreaMicron2:              areaMicron,
			EquivalentDiameterMicron: 2 * math.Sqrt(areaMicron/math.Pi),
		})
	}
	return stats
}

// mesophaseCategories are the categories counted as mesophase content;
// isotropic regions are classified but are not mesophase.
var mesophaseCategories = []domain.Category{
	domain.CategoryMesophaseFine,
	domain.CategoryMesophaseCoarse,
	domain.CategoryMesophaseBulk,
}

// MezophaseContent returns the mesophase share of the material area, with
// the denominator corrected for porosity: pores are not material, so a
// porous sample with the same mask coverage has higher content.
func MezophaseContent(res domain.ClassificationResult, porosity float64) float64 {
	if porosity < 0 {
		porosity = 0
	}
	if porosity >= 1 {
		return 0
	}
	material := (1 - porosity) * float64(res.TotalPixels)
	if material <= 0 {
		return 0
	}
	meso := 0
	for _, c := range mesophaseCategories {
		meso += res.Counts[c]
	}
	content := float64(meso) / material
	if content > 1 {
		content = 1
	}
	return content
}
