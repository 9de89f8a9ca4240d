package domain

import (
	"image"
	"math"
	"sort"
)

// Run is one horizontal span of set pixels: row Y, columns [X0, X1).
type Run struct {
	Y  int `json:"y"`
	X0 int `json:"x0"`
	X1 int `json:"x1"`
}

// Bitmap is a run-length encoded region over a fixed pixel grid. Runs are
// kept sorted by (Y, X0), clipped to the grid, non-overlapping, and with
// adjacent spans merged, so two bitmaps covering the same pixels compare
// equal structurally.
type Bitmap struct {
	Width  int   `json:"width"`
	Height int   `json:"height"`
	Runs   []Run `json:"runs"`
}

// NewBitmap returns an empty bitmap over a w x h grid.
func NewBitmap(w, h int) Bitmap {
	return Bitmap{Width: w, Height: h}
}

// FromRuns builds a normalized bitmap from arbitrary runs, clipping anything
// outside the grid.
func FromRuns(w, h int, runs []Run) Bitmap {
	b := Bitmap{Width: w, Height: h, Runs: append([]Run(nil), runs...)}
	b.normalize()
	return b
}

// FromRect builds a bitmap covering rect clipped to the grid.
func FromRect(w, h int, rect image.Rectangle) Bitmap {
	rect = rect.Intersect(image.Rect(0, 0, w, h))
	if rect.Empty() {
		return NewBitmap(w, h)
	}
	runs := make([]Run, 0, rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		runs = append(runs, Run{Y: y, X0: rect.Min.X, X1: rect.Max.X})
	}
	return Bitmap{Width: w, Height: h, Runs: runs}
}

// FromCircle rasterizes a filled disc centered at (cx, cy) with radius r,
// clipped to the grid. Matches the disc overlays the original editor drew
// for detected mesophase spheres.
func FromCircle(w, h int, cx, cy, r float64) Bitmap {
	if r <= 0 {
		return NewBitmap(w, h)
	}
	var runs []Run
	yMin := int(math.Floor(cy - r))
	yMax := int(math.Ceil(cy + r))
	for y := yMin; y <= yMax; y++ {
		if y < 0 || y >= h {
			continue
		}
		dy := float64(y) + 0.5 - cy
		span := r*r - dy*dy
		if span < 0 {
			continue
		}
		half := math.Sqrt(span)
		x0 := int(math.Floor(cx - half + 0.5))
		x1 := int(math.Ceil(cx + half - 0.5))
		if x1 <= x0 {
			continue
		}
		runs = append(runs, Run{Y: y, X0: x0, X1: x1})
	}
	return FromRuns(w, h, runs)
}

// FromPolygon rasterizes a filled polygon (even-odd rule) clipped to the
// grid. Used for manually drawn mask outlines.
func FromPolygon(w, h int, pts []image.Point) Bitmap {
	if len(pts) < 3 {
		return NewBitmap(w, h)
	}
	var runs []Run
	for y := 0; y < h; y++ {
		cy := float64(y) + 0.5
		var xs []float64
		for i := range pts {
			a := pts[i]
			b := pts[(i+1)%len(pts)]
			ay, by := float64(a.Y), float64(b.Y)
			if ay == by {
				continue
			}
			if (cy >= ay && cy < by) || (cy >= by && cy < ay) {
				t := (cy - ay) / (by - ay)
				xs = append(xs, float64(a.X)+t*float64(b.X-a.X))
			}
		}
		if len(xs) < 2 {
			continue
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			x0 := int(math.Round(xs[i]))
			x1 := int(math.Round(xs[i+1]))
			if x1 > x0 {
				runs = append(runs, Run{Y: y, X0: x0, X1: x1})
			}
		}
	}
	return FromRuns(w, h, runs)
}

func (b *Bitmap) normalize() {
	clipped := b.Runs[:0]
	for _, r := range b.Runs {
		if r.Y < 0 || r.Y >= b.Height {
			continue
		}
		if r.X0 < 0 {
			r.X0 = 0
		}
		if r.X1 > b.Width {
			r.X1 = b.Width
		}
		if r.X1 <= r.X0 {
			continue
		}
		clipped = append(clipped, r)
	}
	b.Runs = clipped
	sort.Slice(b.Runs, func(i, j int) bool {
		if b.Runs[i].Y != b.Runs[j].Y {
			return b.Runs[i].Y < b.Runs[j].Y
		}
		return b.Runs[i].X0 < b.Runs[j].X0
	})
	merged := b.Runs[:0]
	for _, r := range b.Runs {
		if n := len(merged); n > 0 && merged[n-1].Y == r.Y && r.X0 <= merged[n-1].X1 {
			if r.X1 > merged[n-1].X1 {
				merged[n-1].X1 = r.X1
			}
			continue
		}
		merged = append(merged, r)
	}
	b.Runs = merged
}

// Clone returns an independent copy.
func (b Bitmap) Clone() Bitmap {
	cp := b
	cp.Runs = append([]Run(nil), b.Runs...)
	return cp
}

// Empty reports whether no pixels are set.
func (b Bitmap) Empty() bool { return len(b.Runs) == 0 }

// Area returns the number of set pixels.
func (b Bitmap) Area() int {
	area := 0
	for _, r := range b.Runs {
		area += r.X1 - r.X0
	}
	return area
}

// Bounds returns the tight bounding box of set pixels, or the empty
// rectangle for an empty bitmap.
func (b Bitmap) Bounds() image.Rectangle {
	if len(b.Runs) == 0 {
		return image.Rectangle{}
	}
	box := image.Rect(b.Runs[0].X0, b.Runs[0].Y, b.Runs[0].X1, b.Runs[0].Y+1)
	for _, r := range b.Runs[1:] {
		box = box.Union(image.Rect(r.X0, r.Y, r.X1, r.Y+1))
	}
	return box
}

// Contains reports whether pixel (x, y) is set.
func (b Bitmap) Contains(x, y int) bool {
	i := sort.Search(len(b.Runs), func(i int) bool {
		r := b.Runs[i]
		return r.Y > y || (r.Y == y && r.X1 > x)
	})
	if i >= len(b.Runs) {
		return false
	}
	r := b.Runs[i]
	return r.Y == y && r.X0 <= x && x < r.X1
}

// Equal reports structural equality (same grid and same pixels).
func (b Bitmap) Equal(other Bitmap) bool {
	if b.Width != other.Width || b.Height != other.Height || len(b.Runs) != len(other.Runs) {
		return false
	}
	for i, r := range b.Runs {
		if other.Runs[i] != r {
			return false
		}
	}
	return true
}

// rowSlices walks two run lists row by row, yielding the per-row spans of
// each side. Both lists must be normalized.
func rowSlices(a, b []Run, fn func(y int, ra, rb []Run)) {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		y := math.MaxInt
		if i < len(a) {
			y = a[i].Y
		}
		if j < len(b) && b[j].Y < y {
			y = b[j].Y
		}
		var ra, rb []Run
		for i < len(a) && a[i].Y == y {
			ra = append(ra, a[i])
			i++
		}
		for j < len(b) && b[j].Y == y {
			rb = append(rb, b[j])
			j++
		}
		fn(y, ra, rb)
	}
}

// Union returns the pixel-set union of b and other. Both must share a grid;
// mismatched grids yield an empty bitmap on b's grid.
func (b Bitmap) Union(other Bitmap) Bitmap {
	if b.Width != other.Width || b.Height != other.Height {
		return NewBitmap(b.Width, b.Height)
	}
	out := Bitmap{Width: b.Width, Height: b.Height, Runs: make([]Run, 0, len(b.Runs)+len(other.Runs))}
	out.Runs = append(out.Runs, b.Runs...)
	out.Runs = append(out.Runs, other.Runs...)
	out.normalize()
	return out
}

// Intersect returns the pixel-set intersection of b and other.
func (b Bitmap) Intersect(other Bitmap) Bitmap {
	out := NewBitmap(b.Width, b.Height)
	if b.Width != other.Width || b.Height != other.Height {
		return out
	}
	rowSlices(b.Runs, other.Runs, func(y int, ra, rb []Run) {
		for _, x := range ra {
			for _, z := range rb {
				lo, hi := max(x.X0, z.X0), min(x.X1, z.X1)
				if hi > lo {
					out.Runs = append(out.Runs, Run{Y: y, X0: lo, X1: hi})
				}
			}
		}
	})
	return out
}

// Subtract returns the pixels of b not present in other.
func (b Bitmap) Subtract(other Bitmap) Bitmap {
	out := NewBitmap(b.Width, b.Height)
	if b.Width != other.Width || b.Height != other.Height {
		return out
	}
	rowSlices(b.Runs, other.Runs, func(y int, ra, rb []Run) {
		for _, x := range ra {
			lo := x.X0
			for _, z := range rb {
				if z.X1 <= lo || z.X0 >= x.X1 {
					continue
				}
				if z.X0 > lo {
					out.Runs = append(out.Runs, Run{Y: y, X0: lo, X1: z.X0})
				}
				if z.X1 > lo {
					lo = z.X1
				}
				if lo >= x.X1 {
					break
				}
			}
			if lo < x.X1 {
				out.Runs = append(out.Runs, Run{Y: y, X0: lo, X1: x.X1})
			}
		}
	})
	return out
}
