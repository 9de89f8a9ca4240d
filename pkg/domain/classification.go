package domain

// ClassificationResult maps each category to its pixel count and its
// fraction of classified area. It is derived, never stored: the aggregator
// recomputes it from a mask snapshot on demand, and recomputation on an
// unchanged snapshot is bit-identical.
type ClassificationResult struct {
	// TotalPixels is the full image pixel count (width * height).
	TotalPixels int `json:"total_pixels"`
	// Unclassified counts pixels covered by no mask, or only by masks still
	// labeled CategoryUnlabeled.
	Unclassified int `json:"unclassified"`
	// Counts holds per-category pixel tallies after overlap resolution.
	Counts map[Category]int `json:"counts"`
	// Fractions holds each category's share of the classified area. The
	// values sum to 1 when any pixel is classified, 0 otherwise; unlabeled
	// and background pixels are excluded from the denominator.
	Fractions map[Category]float64 `json:"fractions"`
}

// ClassifiedPixels returns the number of pixels carrying a category label.
func (r ClassificationResult) ClassifiedPixels() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}

// Equal reports whether two results are identical.
func (r ClassificationResult) Equal(other ClassificationResult) bool {
	if r.TotalPixels != other.TotalPixels || r.Unclassified != other.Unclassified {
		return false
	}
	if len(r.Counts) != len(other.Counts) || len(r.Fractions) != len(other.Fractions) {
		return false
	}
	for k, v := range r.Counts {
		if other.Counts[k] != v {
			return false
		}
	}
	for k, v := range r.Fractions {
		if other.Fractions[k] != v {
			return false
		}
	}
	return true
}
