// Package domain defines the core value types of the mesophase analysis
// engine: masks, prompts, classification results, sample records, and the
// rule evaluation primitives enforced inside mask store transactions.
package domain

import (
	"time"
)

// MaskSource identifies how a mask came into existence.
type MaskSource string

// Supported mask provenance markers stored alongside every mask.
const (
	// MaskSourceOracle marks a mask proposed by the segmentation model.
	MaskSourceOracle MaskSource = "oracle"
	// MaskSourceManual marks a mask drawn or edited by the operator.
	MaskSourceManual MaskSource = "manual-edit"
)

// Category labels a mask with one of the fixed mesophase classes.
type Category string

// The fixed mesophase category set. CategoryUnlabeled is the zero state for
// masks that have not been classified yet; it never contributes to the
// classified-area denominator.
const (
	CategoryUnlabeled       Category = "unlabeled"
	CategoryMesophaseFine   Category = "mesophase-fine"
	CategoryMesophaseCoarse Category = "mesophase-coarse"
	CategoryMesophaseBulk   Category = "mesophase-bulk"
	CategoryIsotropic       Category = "isotropic"
)

// Categories returns the classified category set in stable order, excluding
// CategoryUnlabeled.
func Categories() []Category {
	return []Category{
		CategoryMesophaseFine,
		CategoryMesophaseCoarse,
		CategoryMesophaseBulk,
		CategoryIsotropic,
	}
}

// Valid reports whether c is a known category, including unlabeled.
func (c Category) Valid() bool {
	switch c {
	case CategoryUnlabeled, CategoryMesophaseFine, CategoryMesophaseCoarse,
		CategoryMesophaseBulk, CategoryIsotropic:
		return true
	}
	return false
}

// Mask is a labeled pixel region over an image grid. Masks are immutable
// records from the store's point of view; edits replace them wholesale.
type Mask struct {
	ID string `json:"id"`
	// Source records provenance (oracle proposal vs. manual edit).
	Source MaskSource `json:"source"`
	// Confidence is present only for oracle-sourced masks, range [0,1].
	Confidence *float64 `json:"confidence,omitempty"`
	Category   Category `json:"category"`
	// Order is the creation-order index. On overlap the mask with the
	// highest order wins ("painter's model"); the ordering is persisted so
	// layering is reproducible from a snapshot alone.
	Order  int    `json:"order"`
	Region Bitmap `json:"region"`
}

// Clone returns a structurally independent copy of the mask.
func (m Mask) Clone() Mask {
	cp := m
	if m.Confidence != nil {
		c := *m.Confidence
		cp.Confidence = &c
	}
	cp.Region = m.Region.Clone()
	return cp
}

// SnapshotVersion is the current encoding version of MaskSnapshot envelopes.
const SnapshotVersion = 1

// MaskSnapshot is a serializable, structurally independent copy of a mask
// store's state. The envelope is self-describing: decoders check the version
// and geometry before accepting it, so unreadable persisted state surfaces
// as CorruptStateError instead of silently wrong masks.
type MaskSnapshot struct {
	Version   int    `json:"version"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Masks     []Mask `json:"masks"`
	ActiveID  string `json:"active_id,omitempty"`
	NextOrder int    `json:"next_order"`
}

// Clone deep-copies the snapshot.
func (s MaskSnapshot) Clone() MaskSnapshot {
	cp := s
	cp.Masks = make([]Mask, len(s.Masks))
	for i, m := range s.Masks {
		cp.Masks[i] = m.Clone()
	}
	return cp
}

// Validate checks the envelope's internal consistency. A failure means the
// snapshot cannot have been produced by a healthy store.
func (s MaskSnapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return &CorruptStateError{Reason: "unsupported snapshot version"}
	}
	if s.Width <= 0 || s.Height <= 0 {
		return &CorruptStateError{Reason: "non-positive snapshot dimensions"}
	}
	seen := make(map[string]struct{}, len(s.Masks))
	for _, m := range s.Masks {
		if m.ID == "" {
			return &CorruptStateError{Reason: "mask with empty id"}
		}
		if _, dup := seen[m.ID]; dup {
			return &CorruptStateError{Reason: "duplicate mask id " + m.ID}
		}
		seen[m.ID] = struct{}{}
		if !m.Category.Valid() {
			return &CorruptStateError{Reason: "unknown category " + string(m.Category)}
		}
		if m.Region.Width != s.Width || m.Region.Height != s.Height {
			return &CorruptStateError{Reason: "mask grid does not match snapshot dimensions"}
		}
		if m.Region.Area() == 0 {
			return &CorruptStateError{Reason: "zero-area mask " + m.ID}
		}
	}
	if s.ActiveID != "" {
		if _, ok := seen[s.ActiveID]; !ok {
			return &CorruptStateError{Reason: "active mask " + s.ActiveID + " not present"}
		}
	}
	return nil
}

// ImageMeta describes one microscopy image belonging to a sample. The pixel
// payload itself lives in blob storage under BlobKey.
type ImageMeta struct {
	ID      string `json:"id"`
	BlobKey string `json:"blob_key"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	// Porosity is the operator-entered material porosity in [0,1]; it
	// corrects the material-area denominator in report statistics.
	Porosity float64 `json:"porosity"`
	// ScalePx and ScaleMicron calibrate the image: ScalePx pixels span
	// ScaleMicron micrometers.
	ScalePx     float64 `json:"scale_px"`
	ScaleMicron float64 `json:"scale_mkm"`
	// Analyzed reports whether a mask snapshot has been persisted for this
	// image.
	Analyzed bool `json:"analyzed"`
}

// MicronsPerPixel returns the calibration factor, defaulting to 1 when the
// scale has not been set.
func (m ImageMeta) MicronsPerPixel() float64 {
	if m.ScalePx <= 0 || m.ScaleMicron <= 0 {
		return 1
	}
	return m.ScaleMicron / m.ScalePx
}

// SampleRecord is one library entry: a named pitch sample with its images
// and analysis state.
type SampleRecord struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Images      []ImageMeta `json:"images"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Clone returns a structurally independent copy of the record.
func (r SampleRecord) Clone() SampleRecord {
	cp := r
	cp.Images = append([]ImageMeta(nil), r.Images...)
	return cp
}

// Action describes the kind of mutation captured in a Change record.
type Action string

// Mutation kinds recorded by mask store transactions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change is an immutable record of one mask mutation inside a transaction,
// handed to rules for invariant evaluation.
type Change struct {
	Action Action `json:"action"`
	MaskID string `json:"mask_id"`
	Before *Mask  `json:"before,omitempty"`
	After  *Mask  `json:"after,omitempty"`
}
