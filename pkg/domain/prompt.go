package domain

import "image"

// PromptKind identifies the kind of segmentation prompt submitted to the
// oracle.
type PromptKind string

// Supported prompt kinds.
const (
	// PromptPoint is a single pixel click, foreground or background.
	PromptPoint PromptKind = "point"
	// PromptBox is a bounding-box hint.
	PromptBox PromptKind = "box"
	// PromptAuto requests whole-image automatic proposals.
	PromptAuto PromptKind = "auto"
)

// Prompt describes one segmentation request. Only the fields relevant to
// Kind are meaningful.
type Prompt struct {
	Kind PromptKind `json:"kind"`
	// Point and Foreground apply to PromptPoint.
	Point      image.Point `json:"point,omitempty"`
	Foreground bool        `json:"foreground,omitempty"`
	// Box applies to PromptBox.
	Box image.Rectangle `json:"box,omitempty"`
}

// PointPrompt builds a point-click prompt at (x, y).
func PointPrompt(x, y int, foreground bool) Prompt {
	return Prompt{Kind: PromptPoint, Point: image.Pt(x, y), Foreground: foreground}
}

// BoxPrompt builds a bounding-box prompt.
func BoxPrompt(box image.Rectangle) Prompt {
	return Prompt{Kind: PromptBox, Box: box}
}

// AutoPrompt builds a whole-image automatic prompt.
func AutoPrompt() Prompt {
	return Prompt{Kind: PromptAuto}
}

// Proposal is one candidate region returned by the segmentation oracle,
// already translated into the engine's mask representation.
type Proposal struct {
	Region     Bitmap  `json:"region"`
	Confidence float64 `json:"confidence"`
}

// Image is an immutable raster loaded once per editing session. It is owned
// by the library index and referenced, never copied, by the engine, oracle
// adapter, and aggregator.
type Image struct {
	Width  int
	Height int
	// Pix is the decoded raster; nil for metadata-only contexts such as
	// pure mask-store tests.
	Pix *image.NRGBA
}

// Bounds returns the pixel grid rectangle.
func (i Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, i.Width, i.Height)
}
