package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"mezocore/internal/library/blob"
	"mezocore/internal/library/persistence"
	"mezocore/internal/library/persistence/memory"
	"mezocore/internal/maskstore"
	"mezocore/pkg/domain"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := NewIndex(context.Background(), memory.NewStore(), blob.NewMemory())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func addSampleWithImage(t *testing.T, x *Index, name string) (domain.SampleRecord, domain.ImageMeta) {
	t.Helper()
	rec, err := x.CreateSample(context.Background(), name, "")
	if err != nil {
		t.Fatalf("create sample: %v", err)
	}
	meta, err := x.AddImage(context.Background(), rec.ID, bytes.NewReader(pngBytes(t, 24, 18)))
	if err != nil {
		t.Fatalf("add image: %v", err)
	}
	return rec, meta
}

func TestCreateSampleAndList(t *testing.T) {
	x := newTestIndex(t)
	if _, err := x.CreateSample(context.Background(), "", ""); err == nil {
		t.Fatalf("empty name must be rejected")
	}
	b, _ := x.CreateSample(context.Background(), "batch-B", "second")
	a, _ := x.CreateSample(context.Background(), "batch-A", "first")

	list := x.ListSamples()
	if len(list) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(list))
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("listing not sorted by name: %+v", list)
	}
}

func TestAddImageRecordsDimensions(t *testing.T) {
	x := newTestIndex(t)
	rec, meta := addSampleWithImage(t, x, "pitch-1")
	if meta.Width != 24 || meta.Height != 18 {
		t.Fatalf("decoded dimensions %dx%d", meta.Width, meta.Height)
	}
	if meta.Analyzed {
		t.Fatalf("fresh image must not be marked analyzed")
	}
	if _, err := x.AddImage(context.Background(), "ghost", bytes.NewReader(pngBytes(t, 4, 4))); err == nil {
		t.Fatalf("unknown sample must be rejected")
	}
	if _, err := x.AddImage(context.Background(), rec.ID, bytes.NewReader([]byte("not an image"))); err == nil {
		t.Fatalf("undecodable payload must be rejected")
	}
}

func TestOpenSaveRoundTrip(t *testing.T) {
	x := newTestIndex(t)
	rec, meta := addSampleWithImage(t, x, "pitch-1")

	checkout, err := x.OpenImage(context.Background(), rec.ID, meta.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if checkout.Warning != "" {
		t.Fatalf("unexpected warning %q", checkout.Warning)
	}
	if w, h := checkout.Store.GridSize(); w != 24 || h != 18 {
		t.Fatalf("store grid %dx%d", w, h)
	}

	if _, err := checkout.Store.RunInTransaction(context.Background(), func(tx *maskstore.Transaction) error {
		_, err := tx.AddMask(domain.Mask{
			Source:   domain.MaskSourceManual,
			Category: domain.CategoryMesophaseFine,
			Region:   domain.FromRect(24, 18, image.Rect(2, 2, 10, 10)),
		})
		return err
	}); err != nil {
		t.Fatalf("add mask: %v", err)
	}
	if err := x.SaveImageState(context.Background(), rec.ID, meta.ID, checkout.Store.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := x.OpenImage(context.Background(), rec.ID, meta.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	masks := reopened.Store.Masks()
	if len(masks) != 1 || masks[0].Category != domain.CategoryMesophaseFine {
		t.Fatalf("saved state not restored: %+v", masks)
	}
	updated, _ := x.FindSample(rec.ID)
	if !updated.Images[0].Analyzed {
		t.Fatalf("save must mark the image analyzed")
	}

	summaries := x.ListSamples()
	if summaries[0].AnalyzedCount != 1 {
		t.Fatalf("analyzed count %d", summaries[0].AnalyzedCount)
	}
}

func TestSaveRejectsForeignGrid(t *testing.T) {
	x := newTestIndex(t)
	rec, meta := addSampleWithImage(t, x, "pitch-1")
	foreign := domain.MaskSnapshot{Version: domain.SnapshotVersion, Width: 4, Height: 4}
	if err := x.SaveImageState(context.Background(), rec.ID, meta.ID, foreign); err == nil {
		t.Fatalf("grid mismatch must be rejected")
	}
}

func TestOpenUnknownIdentifiers(t *testing.T) {
	x := newTestIndex(t)
	rec, _ := addSampleWithImage(t, x, "pitch-1")

	var notFound *domain.NotFoundError
	if _, err := x.OpenImage(context.Background(), "ghost", "img"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for sample, got %v", err)
	}
	if _, err := x.OpenImage(context.Background(), rec.ID, "ghost"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for image, got %v", err)
	}
}

func TestCorruptMaskSnapshotDegradesToEmpty(t *testing.T) {
	persist := memory.NewStore()
	blobs := blob.NewMemory()
	x, err := NewIndex(context.Background(), persist, blobs)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	rec, meta := addSampleWithImage(t, x, "pitch-1")

	// Sabotage the persisted snapshot behind the index's back, then reload.
	snap, err := persist.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	snap.Masks[meta.ID] = domain.MaskSnapshot{Version: 99, Width: 24, Height: 18}
	if err := persist.Save(context.Background(), snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	reloaded, err := NewIndex(context.Background(), persist, blobs)
	if err != nil {
		t.Fatalf("reload index: %v", err)
	}

	checkout, err := reloaded.OpenImage(context.Background(), rec.ID, meta.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if checkout.Warning == "" {
		t.Fatalf("expected degradation warning")
	}
	if got := len(checkout.Store.Masks()); got != 0 {
		t.Fatalf("degraded store must be empty, got %d masks", got)
	}
}

type corruptStore struct{ persistence.Store }

func (corruptStore) Load(context.Context) (persistence.Snapshot, error) {
	return persistence.Snapshot{}, &domain.CorruptStateError{Key: "samples", Reason: "torn write"}
}

func TestCorruptLibraryDegradesToEmpty(t *testing.T) {
	x, err := NewIndex(context.Background(), corruptStore{memory.NewStore()}, blob.NewMemory())
	if err != nil {
		t.Fatalf("corrupt library must degrade, not fail: %v", err)
	}
	if x.Warning() == "" {
		t.Fatalf("expected open warning")
	}
	if got := len(x.ListSamples()); got != 0 {
		t.Fatalf("degraded library must be empty, got %d", got)
	}
}

type failingSaveStore struct {
	persistence.Store
	fail bool
}

func (s *failingSaveStore) Save(ctx context.Context, snap persistence.Snapshot) error {
	if s.fail {
		return fmt.Errorf("disk full")
	}
	return s.Store.Save(ctx, snap)
}

func TestFailedSaveLeavesCatalogUnchanged(t *testing.T) {
	persist := &failingSaveStore{Store: memory.NewStore()}
	x, err := NewIndex(context.Background(), persist, blob.NewMemory())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if _, err := x.CreateSample(context.Background(), "keep", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	persist.fail = true
	if _, err := x.CreateSample(context.Background(), "lost", ""); err == nil {
		t.Fatalf("expected save failure to propagate")
	}
	list := x.ListSamples()
	if len(list) != 1 || list[0].Name != "keep" {
		t.Fatalf("failed save mutated the catalog: %+v", list)
	}
}

func TestDeleteSampleKeepsImageBlobs(t *testing.T) {
	blobs := blob.NewMemory()
	x, err := NewIndex(context.Background(), memory.NewStore(), blobs)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	rec, meta := addSampleWithImage(t, x, "pitch-1")

	if err := x.DeleteSample(context.Background(), rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := x.FindSample(rec.ID); ok {
		t.Fatalf("sample still listed after delete")
	}
	if _, ok := x.ImageState(meta.ID); ok {
		t.Fatalf("mask state must be removed with the sample")
	}
	if _, err := blobs.Head(context.Background(), meta.BlobKey); err != nil {
		t.Fatalf("source image blob must survive sample deletion: %v", err)
	}

	var notFound *domain.NotFoundError
	if err := x.DeleteSample(context.Background(), rec.ID); !errors.As(err, &notFound) {
		t.Fatalf("second delete must be NotFoundError, got %v", err)
	}
}

func TestCalibrateImage(t *testing.T) {
	x := newTestIndex(t)
	rec, meta := addSampleWithImage(t, x, "pitch-1")

	updated, err := x.CalibrateImage(context.Background(), rec.ID, meta.ID, 0.15, 120, 60)
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if updated.Porosity != 0.15 || updated.MicronsPerPixel() != 0.5 {
		t.Fatalf("calibration not applied: %+v", updated)
	}
	if _, err := x.CalibrateImage(context.Background(), rec.ID, meta.ID, 1.2, 100, 50); err == nil {
		t.Fatalf("porosity above 1 must be rejected")
	}
}

func TestSampleNamesAreUnique(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	a, err := x.CreateSample(ctx, "pitch-A", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := x.CreateSample(ctx, "pitch-B", "")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	var dup *domain.DuplicateNameError
	if _, err := x.CreateSample(ctx, "pitch-A", "other batch"); !errors.As(err, &dup) {
		t.Fatalf("duplicate create: expected DuplicateNameError, got %v", err)
	}
	if got := len(x.ListSamples()); got != 2 {
		t.Fatalf("rejected create changed the catalog, %d samples", got)
	}

	if _, err := x.UpdateSample(ctx, b.ID, func(r *domain.SampleRecord) error {
		r.Name = "pitch-A"
		return nil
	}); !errors.As(err, &dup) {
		t.Fatalf("rename onto taken name: expected DuplicateNameError, got %v", err)
	}
	if rec, _ := x.FindSample(b.ID); rec.Name != "pitch-B" {
		t.Fatalf("rejected rename stuck: %q", rec.Name)
	}
	if _, err := x.UpdateSample(ctx, b.ID, func(r *domain.SampleRecord) error {
		r.Name = ""
		return nil
	}); err == nil {
		t.Fatalf("empty rename must be rejected")
	}

	// A sample keeps its own name through unrelated updates.
	if _, err := x.UpdateSample(ctx, a.ID, func(r *domain.SampleRecord) error {
		r.Description = "recoked"
		return nil
	}); err != nil {
		t.Fatalf("self-name update: %v", err)
	}

	// Deleting a sample frees its name.
	if err := x.DeleteSample(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := x.CreateSample(ctx, "pitch-A", ""); err != nil {
		t.Fatalf("freed name must be reusable: %v", err)
	}
}

func TestUpdateSample(t *testing.T) {
	x := newTestIndex(t)
	rec, _ := x.CreateSample(context.Background(), "old-name", "")
	updated, err := x.UpdateSample(context.Background(), rec.ID, func(r *domain.SampleRecord) error {
		r.Name = "new-name"
		r.Description = "recoked"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "new-name" || updated.Description != "recoked" {
		t.Fatalf("update not applied: %+v", updated)
	}
	if !updated.UpdatedAt.After(rec.UpdatedAt) && !updated.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Fatalf("updated timestamp went backwards")
	}
}
