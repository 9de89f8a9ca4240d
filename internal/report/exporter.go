// Package report generates sample analysis reports asynchronously: per-image
// mesophase statistics rendered as JSON, CSV, and annotated PNG overlays,
// stored as blob artifacts.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mezocore/internal/aggregate"
	"mezocore/internal/library"
	"mezocore/internal/library/blob"
	"mezocore/internal/observability"
	"mezocore/pkg/domain"
)

// Format identifies a report output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	// FormatPNG renders one annotated overlay per analyzed image.
	FormatPNG Format = "png"
)

// Status describes the lifecycle stage of a report request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Artifact captures one stored report output.
type Artifact struct {
	ID          string    `json:"id"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Key         string    `json:"key"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record tracks a report request and its resulting artifacts.
type Record struct {
	ID          string     `json:"id"`
	SampleID    string     `json:"sample_id"`
	Formats     []Format   `json:"formats"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r Record) copy() Record {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	return dup
}

// Input is an enqueue request for the worker.
type Input struct {
	SampleID string
	Formats  []Format
}

// ImageRow is the per-image statistics row of a sample report, in the
// units operators work with: percentages, mm², and µm.
type ImageRow struct {
	ImageID     string  `json:"image_id"`
	PorosityPct float64 `json:"porosity_pct"`
	// MaterialAreaMM2 is the imaged area minus pores, in mm².
	MaterialAreaMM2 float64 `json:"material_area_mm2"`
	// MesophaseAreaMM2 is the area covered by mesophase masks, in mm².
	MesophaseAreaMM2 float64 `json:"mesophase_area_mm2"`
	// MesophaseContentPct is the porosity-corrected mesophase share.
	MesophaseContentPct float64 `json:"mesophase_content_pct"`
	// MeanDiameterMicron is the mean equivalent diameter of mesophase
	// regions, in µm.
	MeanDiameterMicron float64 `json:"mean_diameter_um"`
	RegionCount        int     `json:"region_count"`
}

// SampleReport is the full report payload for one sample.
type SampleReport struct {
	SampleID    string     `json:"sample_id"`
	SampleName  string     `json:"sample_name"`
	GeneratedAt time.Time  `json:"generated_at"`
	Rows        []ImageRow `json:"rows"`
}

// Worker generates reports asynchronously off a bounded queue.
type Worker struct {
	library *library.Index
	blobs   blob.Store
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	queue chan reportTask
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type reportTask struct {
	id    string
	input Input
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger; defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder; defaults to a no-op recorder.
func WithMetrics(rec observability.MetricsRecorder) Option {
	return func(w *Worker) {
		if rec != nil {
			w.metrics = rec
		}
	}
}

// NewWorker constructs a report worker over the given library and blob
// store.
func NewWorker(lib *library.Index, blobs blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		library: lib,
		blobs:   blobs,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: observability.NopMetricsRecorder{},
		queue:   make(chan reportTask, 32),
		jobs:    make(map[string]*Record),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing report requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			start := time.Now()
			failed := w.process(task)
			w.metrics.Observe(w.ctx, "report_job", !failed, time.Since(start))
		}
	}
}

// Enqueue schedules a report job and returns the queued record.
func (w *Worker) Enqueue(_ context.Context, input Input) (Record, error) {
	if _, ok := w.library.FindSample(input.SampleID); !ok {
		return Record{}, &domain.NotFoundError{Kind: "sample", ID: input.SampleID}
	}
	formats := input.Formats
	if len(formats) == 0 {
		formats = []Format{FormatJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{})
	for _, f := range formats {
		switch f {
		case FormatJSON, FormatCSV, FormatPNG:
		default:
			return Record{}, fmt.Errorf("unsupported report format %s", f)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		uniq = append(uniq, f)
		seen[f] = struct{}{}
	}

	now := time.Now().UTC()
	record := Record{
		ID:        uuid.NewString(),
		SampleID:  input.SampleID,
		Formats:   uniq,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	w.mu.Lock()
	w.jobs[record.ID] = &record
	queued := record.copy()
	w.mu.Unlock()

	select {
	case w.queue <- reportTask{id: record.ID, input: input}:
	default:
		w.mu.Lock()
		delete(w.jobs, record.ID)
		w.mu.Unlock()
		return Record{}, fmt.Errorf("report queue full")
	}
	return queued, nil
}

// Get returns a snapshot of a report record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

func (w *Worker) process(task reportTask) (failed bool) {
	w.updateStatus(task.id, StatusRunning, "")

	sample, ok := w.library.FindSample(task.input.SampleID)
	if !ok {
		w.fail(task.id, fmt.Sprintf("sample %s missing", task.input.SampleID))
		return true
	}
	payload := w.buildReport(sample)

	w.mu.RLock()
	formats := append([]Format(nil), w.jobs[task.id].Formats...)
	w.mu.RUnlock()

	artifacts := make([]Artifact, 0, len(formats))
	for _, format := range formats {
		rendered, err := w.materialize(task.id, format, sample, payload)
		if err != nil {
			w.fail(task.id, err.Error())
			return true
		}
		artifacts = append(artifacts, rendered...)
	}
	w.complete(task.id, artifacts)
	return false
}

// buildReport derives the per-image statistics rows from saved mask state.
// Images without saved state are skipped; they have nothing to report.
func (w *Worker) buildReport(sample domain.SampleRecord) SampleReport {
	payload := SampleReport{
		SampleID:    sample.ID,
		SampleName:  sample.Name,
		GeneratedAt: time.Now().UTC(),
	}
	for _, meta := range sample.Images {
		snap, ok := w.library.ImageState(meta.ID)
		if !ok {
			continue
		}
		res := aggregate.Compute(snap)
		stats := aggregate.Morphology(snap, meta)

		mpp := meta.MicronsPerPixel()
		pxToMM2 := mpp * mpp / 1e6
		mesoPixels := res.Counts[domain.CategoryMesophaseFine] +
			res.Counts[domain.CategoryMesophaseCoarse] +
			res.Counts[domain.CategoryMesophaseBulk]

		var diameterSum float64
		var mesoRegions int
		for _, st := range stats {
			switch st.Category {
			case domain.CategoryMesophaseFine, domain.CategoryMesophaseCoarse, domain.CategoryMesophaseBulk:
				diameterSum += st.EquivalentDiameterMicron
				mesoRegions++
			}
		}
		meanDiameter := 0.0
		if mesoRegions > 0 {
			meanDiameter = diameterSum / float64(mesoRegions)
		}

		payload.Rows = append(payload.Rows, ImageRow{
			ImageID:             meta.ID,
			PorosityPct:         meta.Porosity * 100,
			MaterialAreaMM2:     (1 - meta.Porosity) * float64(res.TotalPixels) * pxToMM2,
			MesophaseAreaMM2:    float64(mesoPixels) * pxToMM2,
			MesophaseContentPct: aggregate.MezophaseContent(res, meta.Porosity) * 100,
			MeanDiameterMicron:  meanDiameter,
			RegionCount:         len(snap.Masks),
		})
	}
	return payload
}

func (w *Worker) materialize(reportID string, format Format, sample domain.SampleRecord, payload SampleReport) ([]Artifact, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal json: %w", err)
		}
		key := fmt.Sprintf("reports/%s/report.json", reportID)
		art, err := w.store(key, "application/json", FormatJSON, data)
		if err != nil {
			return nil, err
		}
		return []Artifact{art}, nil
	case FormatCSV:
		data, err := renderCSV(payload)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("reports/%s/report.csv", reportID)
		art, err := w.store(key, "text/csv", FormatCSV, data)
		if err != nil {
			return nil, err
		}
		return []Artifact{art}, nil
	case FormatPNG:
		var artifacts []Artifact
		for _, meta := range sample.Images {
			snap, ok := w.library.ImageState(meta.ID)
			if !ok {
				continue
			}
			data, err := w.renderOverlay(sample.ID, meta, snap)
			if err != nil {
				return nil, err
			}
			key := fmt.Sprintf("reports/%s/overlay-%s.png", reportID, meta.ID)
			art, err := w.store(key, "image/png", FormatPNG, data)
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, art)
		}
		return artifacts, nil
	default:
		return nil, fmt.Errorf("unsupported report format %s", format)
	}
}

func (w *Worker) store(key, contentType string, format Format, payload []byte) (Artifact, error) {
	info, err := w.blobs.Put(w.ctx, key, bytes.NewReader(payload), blob.PutOptions{ContentType: contentType})
	if err != nil {
		return Artifact{}, fmt.Errorf("store artifact %s: %w", key, err)
	}
	url, err := w.blobs.PresignURL(w.ctx, key, blob.SignedURLOptions{})
	if err != nil {
		url = info.URL
	}
	return Artifact{
		ID:          uuid.NewString(),
		Format:      format,
		ContentType: contentType,
		SizeBytes:   info.Size,
		Key:         key,
		URL:         url,
		CreatedAt:   info.LastModified,
	}, nil
}

func renderCSV(payload SampleReport) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	header := []string{
		"image_id", "porosity_pct", "material_area_mm2", "mesophase_area_mm2",
		"mesophase_content_pct", "mean_diameter_um", "region_count",
	}
	if err := writer.Write(header); err != nil {
		return nil, err
	}
	for _, row := range payload.Rows {
		record := []string{
			row.ImageID,
			formatFloat(row.PorosityPct),
			formatFloat(row.MaterialAreaMM2),
			formatFloat(row.MesophaseAreaMM2),
			formatFloat(row.MesophaseContentPct),
			formatFloat(row.MeanDiameterMicron),
			strconv.Itoa(row.RegionCount),
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// categoryColors are the overlay tints, drawn at half opacity over the
// micrograph.
var categoryColors = map[domain.Category]color.NRGBA{
	domain.CategoryMesophaseFine:   {R: 0, G: 170, B: 0, A: 128},
	domain.CategoryMesophaseCoarse: {R: 255, G: 140, B: 0, A: 128},
	domain.CategoryMesophaseBulk:   {R: 204, G: 0, B: 0, A: 128},
	domain.CategoryIsotropic:       {R: 0, G: 102, B: 204, A: 128},
	domain.CategoryUnlabeled:       {R: 128, G: 128, B: 128, A: 128},
}

// renderOverlay draws the overlap-resolved mask layering over the source
// micrograph. Masks paint in ascending creation order, so the overlay shows
// exactly the layering the classifier counted.
func (w *Worker) renderOverlay(sampleID string, meta domain.ImageMeta, snap domain.MaskSnapshot) ([]byte, error) {
	checkout, err := w.library.OpenImage(w.ctx, sampleID, meta.ID)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", meta.ID, err)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, snap.Width, snap.Height))
	draw.Draw(canvas, canvas.Bounds(), checkout.Image.Pix, image.Point{}, draw.Src)

	masks := append([]domain.Mask(nil), snap.Masks...)
	sort.Slice(masks, func(i, j int) bool { return masks[i].Order < masks[j].Order })
	for _, m := range masks {
		tint := categoryColors[m.Category]
		for _, run := range m.Region.Runs {
			rect := image.Rect(run.X0, run.Y, run.X1, run.Y+1)
			draw.Draw(canvas, rect, &image.Uniform{tint}, image.Point{}, draw.Over)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, canvas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Worker) updateStatus(id string, status Status, message string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
	}
	w.mu.Unlock()
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.logger.Warn("report job failed", "id", id, "reason", reason)
}
