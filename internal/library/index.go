// Package library is the sample catalog: named pitch samples, their
// micrographs, and the saved mask state of every analyzed image. Structured
// state lives in a persistence driver, image bytes in blob storage.
package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mezocore/internal/library/blob"
	"mezocore/internal/library/persistence"
	"mezocore/internal/maskstore"
	"mezocore/internal/observability"
	"mezocore/pkg/domain"
)

// Index is the library catalog. All mutations write through to the
// persistence driver before becoming visible; a failed save leaves the
// in-memory catalog unchanged.
type Index struct {
	persist persistence.Store
	blobs   blob.Store
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	mu      sync.RWMutex
	state   persistence.Snapshot
	warning string
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the index logger; defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(x *Index) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder; defaults to a no-op recorder.
func WithMetrics(rec observability.MetricsRecorder) Option {
	return func(x *Index) {
		if rec != nil {
			x.metrics = rec
		}
	}
}

// NewIndex loads the catalog from the persistence driver. A corrupt
// persisted payload degrades to an empty library with a warning rather than
// failing the open; the warning is retrievable via Warning.
func NewIndex(ctx context.Context, persist persistence.Store, blobs blob.Store, opts ...Option) (*Index, error) {
	x := &Index{
		persist: persist,
		blobs:   blobs,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: observability.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(x)
	}
	snap, err := persist.Load(ctx)
	if err != nil {
		var corrupt *domain.CorruptStateError
		if !errors.As(err, &corrupt) {
			return nil, err
		}
		x.warning = corrupt.Error()
		x.logger.Warn("persisted library state unreadable, starting empty", "error", err)
		snap = persistence.Snapshot{}
	}
	if snap.Masks == nil {
		snap.Masks = make(map[string]domain.MaskSnapshot)
	}
	x.state = snap
	return x, nil
}

// Warning returns the degradation notice recorded at open time, or the
// empty string when the persisted state loaded cleanly.
func (x *Index) Warning() string { return x.warning }

// Close releases the persistence driver.
func (x *Index) Close() error { return x.persist.Close() }

func (x *Index) save(ctx context.Context) error {
	start := time.Now()
	err := x.persist.Save(ctx, x.state)
	x.metrics.Observe(ctx, "library_save", err == nil, time.Since(start))
	return err
}

// mutate applies fn to a working copy of the catalog and persists it. The
// live state is replaced only after a successful save.
func (x *Index) mutate(ctx context.Context, fn func(snap *persistence.Snapshot) error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	working := x.state.Clone()
	if err := fn(&working); err != nil {
		return err
	}
	prev := x.state
	x.state = working
	if err := x.save(ctx); err != nil {
		x.state = prev
		return err
	}
	return nil
}

func findSample(snap *persistence.Snapshot, id string) (int, error) {
	for i := range snap.Samples {
		if snap.Samples[i].ID == id {
			return i, nil
		}
	}
	return -1, &domain.NotFoundError{Kind: "sample", ID: id}
}

func findImage(rec *domain.SampleRecord, imageID string) (int, error) {
	for i := range rec.Images {
		if rec.Images[i].ID == imageID {
			return i, nil
		}
	}
	return -1, &domain.NotFoundError{Kind: "image", ID: imageID}
}

// nameTaken reports whether another sample already carries name. excludeID
// lets a rename match the record being renamed.
func nameTaken(snap *persistence.Snapshot, name, excludeID string) bool {
	for i := range snap.Samples {
		if snap.Samples[i].Name == name && snap.Samples[i].ID != excludeID {
			return true
		}
	}
	return false
}

// CreateSample adds a named sample to the catalog. Names are unique across
// the library.
func (x *Index) CreateSample(ctx context.Context, name, description string) (domain.SampleRecord, error) {
	if name == "" {
		return domain.SampleRecord{}, fmt.Errorf("sample name required")
	}
	now := time.Now().UTC()
	rec := domain.SampleRecord{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := x.mutate(ctx, func(snap *persistence.Snapshot) error {
		if nameTaken(snap, name, "") {
			return &domain.DuplicateNameError{Kind: "sample", Name: name}
		}
		snap.Samples = append(snap.Samples, rec)
		return nil
	})
	if err != nil {
		return domain.SampleRecord{}, err
	}
	return rec.Clone(), nil
}

// UpdateSample applies fn to the sample record and persists the result.
// Images and timestamps are managed by the index; fn edits the rest. A
// rename must keep the name unique and non-empty.
func (x *Index) UpdateSample(ctx context.Context, id string, fn func(rec *domain.SampleRecord) error) (domain.SampleRecord, error) {
	var updated domain.SampleRecord
	err := x.mutate(ctx, func(snap *persistence.Snapshot) error {
		i, err := findSample(snap, id)
		if err != nil {
			return err
		}
		if err := fn(&snap.Samples[i]); err != nil {
			return err
		}
		snap.Samples[i].ID = id
		if snap.Samples[i].Name == "" {
			return fmt.Errorf("sample name required")
		}
		if nameTaken(snap, snap.Samples[i].Name, id) {
			return &domain.DuplicateNameError{Kind: "sample", Name: snap.Samples[i].Name}
		}
		snap.Samples[i].UpdatedAt = time.Now().UTC()
		updated = snap.Samples[i].Clone()
		return nil
	})
	if err != nil {
		return domain.SampleRecord{}, err
	}
	return updated, nil
}

// DeleteSample removes a sample and its saved mask state. Image bytes stay
// in blob storage so an accidental delete never destroys source micrographs.
func (x *Index) DeleteSample(ctx context.Context, id string) error {
	return x.mutate(ctx, func(snap *persistence.Snapshot) error {
		i, err := findSample(snap, id)
		if err != nil {
			return err
		}
		for _, img := range snap.Samples[i].Images {
			delete(snap.Masks, img.ID)
		}
		snap.Samples = append(snap.Samples[:i], snap.Samples[i+1:]...)
		return nil
	})
}

// AddImage decodes and stores a micrograph under the sample. The image
// bytes are written to blob storage first; the catalog references them by
// key, so a failed catalog save never leaves a dangling reference.
func (x *Index) AddImage(ctx context.Context, sampleID string, r io.Reader) (domain.ImageMeta, error) {
	x.mu.RLock()
	_, err := findSample(&x.state, sampleID)
	x.mu.RUnlock()
	if err != nil {
		return domain.ImageMeta{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.ImageMeta{}, err
	}
	img, format, err := DecodeImage(bytes.NewReader(data))
	if err != nil {
		return domain.ImageMeta{}, err
	}
	meta := domain.ImageMeta{
		ID:     uuid.NewString(),
		Width:  img.Width,
		Height: img.Height,
	}
	meta.BlobKey = fmt.Sprintf("images/%s/%s.%s", sampleID, meta.ID, format)
	if _, err := x.blobs.Put(ctx, meta.BlobKey, bytes.NewReader(data), blob.PutOptions{
		ContentType: contentTypeForFormat(format),
		Metadata:    map[string]string{"sample_id": sampleID},
	}); err != nil {
		return domain.ImageMeta{}, err
	}
	err = x.mutate(ctx, func(snap *persistence.Snapshot) error {
		i, err := findSample(snap, sampleID)
		if err != nil {
			return err
		}
		snap.Samples[i].Images = append(snap.Samples[i].Images, meta)
		snap.Samples[i].UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return domain.ImageMeta{}, err
	}
	return meta, nil
}

// RemoveImage drops a micrograph from the catalog along with its saved mask
// state. The blob is kept, matching DeleteSample.
func (x *Index) RemoveImage(ctx context.Context, sampleID, imageID string) error {
	return x.mutate(ctx, func(snap *persistence.Snapshot) error {
		i, err := findSample(snap, sampleID)
		if err != nil {
			return err
		}
		j, err := findImage(&snap.Samples[i], imageID)
		if err != nil {
			return err
		}
		snap.Samples[i].Images = append(snap.Samples[i].Images[:j], snap.Samples[i].Images[j+1:]...)
		snap.Samples[i].UpdatedAt = time.Now().UTC()
		delete(snap.Masks, imageID)
		return nil
	})
}

// CalibrateImage records the operator-entered porosity and scale for one
// micrograph.
func (x *Index) CalibrateImage(ctx context.Context, sampleID, imageID string, porosity, scalePx, scaleMicron float64) (domain.ImageMeta, error) {
	if porosity < 0 || porosity >= 1 {
		return domain.ImageMeta{}, fmt.Errorf("porosity %v outside [0,1)", porosity)
	}
	if scalePx < 0 || scaleMicron < 0 {
		return domain.ImageMeta{}, fmt.Errorf("negative scale calibration")
	}
	var updated domain.ImageMeta
	err := x.mutate(ctx, func(snap *persistence.Snapshot) error {
		i, err := findSample(snap, sampleID)
		if err != nil {
			return err
		}
		j, err := findImage(&snap.Samples[i], imageID)
		if err != nil {
			return err
		}
		snap.Samples[i].Images[j].Porosity = porosity
		snap.Samples[i].Images[j].ScalePx = scalePx
		snap.Samples[i].Images[j].ScaleMicron = scaleMicron
		snap.Samples[i].UpdatedAt = time.Now().UTC()
		updated = snap.Samples[i].Images[j]
		return nil
	})
	if err != nil {
		return domain.ImageMeta{}, err
	}
	return updated, nil
}

// OpenResult is the checkout of one micrograph for editing.
type OpenResult struct {
	Sample domain.SampleRecord
	Meta   domain.ImageMeta
	Image  domain.Image
	// Store holds the image's saved mask state, or an empty store when the
	// image has no saved state or its snapshot was unreadable.
	Store *maskstore.Store
	// Warning is set when saved mask state existed but could not be used.
	Warning string
}

// OpenImage checks a micrograph out of the library: it loads the image
// bytes, decodes them, and rebuilds the mask store from the saved snapshot.
// A corrupt snapshot degrades to an empty store with a warning instead of
// blocking access to the image.
func (x *Index) OpenImage(ctx context.Context, sampleID, imageID string) (OpenResult, error) {
	x.mu.RLock()
	i, err := findSample(&x.state, sampleID)
	if err != nil {
		x.mu.RUnlock()
		return OpenResult{}, err
	}
	rec := x.state.Samples[i].Clone()
	saved, hasSaved := domain.MaskSnapshot{}, false
	if snap, ok := x.state.Masks[imageID]; ok {
		saved, hasSaved = snap.Clone(), true
	}
	x.mu.RUnlock()

	j, err := findImage(&rec, imageID)
	if err != nil {
		return OpenResult{}, err
	}
	meta := rec.Images[j]

	_, body, err := x.blobs.Get(ctx, meta.BlobKey)
	if err != nil {
		return OpenResult{}, fmt.Errorf("load image blob %s: %w", meta.BlobKey, err)
	}
	defer func() { _ = body.Close() }()
	img, _, err := DecodeImage(body)
	if err != nil {
		return OpenResult{}, err
	}

	result := OpenResult{Sample: rec, Meta: meta, Image: img}
	if hasSaved {
		store, err := maskstore.NewFromSnapshot(saved, nil)
		if err != nil {
			result.Warning = fmt.Sprintf("saved mask state unusable, starting empty: %v", err)
			x.logger.Warn("discarding unusable mask snapshot", "image", imageID, "error", err)
		} else if w, h := store.GridSize(); w != img.Width || h != img.Height {
			result.Warning = fmt.Sprintf("saved mask state grid %dx%d does not match image %dx%d, starting empty", w, h, img.Width, img.Height)
			x.logger.Warn("discarding mismatched mask snapshot", "image", imageID)
		} else {
			result.Store = store
		}
	}
	if result.Store == nil {
		store, err := maskstore.New(img.Width, img.Height, nil)
		if err != nil {
			return OpenResult{}, err
		}
		result.Store = store
	}
	return result, nil
}

// SaveImageState checks a micrograph's mask state back into the library.
// The save is atomic: either the catalog reflects the new snapshot or the
// previous state survives untouched.
func (x *Index) SaveImageState(ctx context.Context, sampleID, imageID string, snap domain.MaskSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	return x.mutate(ctx, func(state *persistence.Snapshot) error {
		i, err := findSample(state, sampleID)
		if err != nil {
			return err
		}
		j, err := findImage(&state.Samples[i], imageID)
		if err != nil {
			return err
		}
		meta := state.Samples[i].Images[j]
		if snap.Width != meta.Width || snap.Height != meta.Height {
			return fmt.Errorf("snapshot grid %dx%d does not match image %dx%d", snap.Width, snap.Height, meta.Width, meta.Height)
		}
		state.Masks[imageID] = snap.Clone()
		state.Samples[i].Images[j].Analyzed = true
		state.Samples[i].UpdatedAt = time.Now().UTC()
		return nil
	})
}

// FindSample returns a sample record by id.
func (x *Index) FindSample(id string) (domain.SampleRecord, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, err := findSample(&x.state, id)
	if err != nil {
		return domain.SampleRecord{}, false
	}
	return x.state.Samples[i].Clone(), true
}

// ImageState returns the saved mask snapshot for an image, if any.
func (x *Index) ImageState(imageID string) (domain.MaskSnapshot, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	snap, ok := x.state.Masks[imageID]
	if !ok {
		return domain.MaskSnapshot{}, false
	}
	return snap.Clone(), true
}

// SampleSummary is one row of the library listing.
type SampleSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ImageCount    int       `json:"image_count"`
	AnalyzedCount int       `json:"analyzed_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ListSamples returns catalog summaries sorted by name, then id.
func (x *Index) ListSamples() []SampleSummary {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]SampleSummary, 0, len(x.state.Samples))
	for _, rec := range x.state.Samples {
		summary := SampleSummary{
			ID:         rec.ID,
			Name:       rec.Name,
			ImageCount: len(rec.Images),
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
		}
		for _, img := range rec.Images {
			if img.Analyzed {
				summary.AnalyzedCount++
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
