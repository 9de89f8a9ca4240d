// Package engine drives interactive mask refinement for one checked-out
// sample image: prompt collection, asynchronous oracle proposals,
// accept/reject/revise review, merge/split/label edits, and linear-history
// undo/redo backed by mask store snapshots.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mezocore/internal/aggregate"
	"mezocore/internal/maskstore"
	"mezocore/internal/observability"
	"mezocore/internal/oracle"
	"mezocore/pkg/domain"
)

// Mode identifies the session state.
type Mode string

// Session modes. ManualDraw is a parallel mode reachable from Idle for
// fully manual polygon/brush masks.
const (
	ModeIdle           Mode = "idle"
	ModeAwaitingPrompt Mode = "awaiting-prompt"
	ModeProposing      Mode = "proposing"
	ModeReviewing      Mode = "reviewing"
	ModeManualDraw     Mode = "manual-draw"
)

// EventKind identifies an asynchronous session event.
type EventKind string

// Event kinds emitted on the session's event channel.
const (
	// EventProposalsReady signals the Proposing -> Reviewing transition.
	EventProposalsReady EventKind = "proposals-ready"
	// EventAdvisory carries a recoverable error surfaced to the operator.
	EventAdvisory EventKind = "advisory"
)

// Event is one asynchronous notification from the session.
type Event struct {
	Kind      EventKind
	Token     uint64
	Proposals []domain.Proposal
	Err       error
}

type editOperation struct {
	name   string
	before domain.MaskSnapshot
	after  domain.MaskSnapshot
}

// Session is the single-writer state machine for one editing session. It is
// an explicitly passed object, never ambient state, so tests can run many
// independent sessions side by side.
type Session struct {
	mu      sync.Mutex
	mode    Mode
	img     domain.Image
	store   *maskstore.Store
	adapter *oracle.Adapter
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	// token guards oracle completions: a completion whose token no longer
	// matches is a late result for a cancelled or superseded request and
	// is discarded without touching the mask store.
	token      uint64
	cancelCall context.CancelFunc
	prompt     domain.Prompt
	proposals  []domain.Proposal

	undo []editOperation
	redo []editOperation

	events chan Event
	subs   []chan domain.ClassificationResult
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the advisory logger; defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder; defaults to a no-op recorder.
func WithMetrics(rec observability.MetricsRecorder) Option {
	return func(s *Session) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// NewSession constructs an idle session over the given image and store.
func NewSession(img domain.Image, store *maskstore.Store, adapter *oracle.Adapter, opts ...Option) *Session {
	s := &Session{
		mode:    ModeIdle,
		img:     img,
		store:   store,
		adapter: adapter,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: observability.NopMetricsRecorder{},
		events:  make(chan Event, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the current session mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Events returns the session's asynchronous event stream.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Snapshot returns a copy of the current mask state. Mutations go through
// the session's edit operations so undo history and classification
// subscribers stay consistent; the store itself is never handed out.
func (s *Session) Snapshot() domain.MaskSnapshot {
	return s.store.Snapshot()
}

// Masks returns a copy of the current mask set in creation order.
func (s *Session) Masks() []domain.Mask {
	return s.store.Masks()
}

// FindMask retrieves a mask by id.
func (s *Session) FindMask(id string) (domain.Mask, bool) {
	return s.store.FindMask(id)
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}

// BeginPrompt transitions Idle -> AwaitingPrompt.
func (s *Session) BeginPrompt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.mode {
	case ModeIdle:
		s.mode = ModeAwaitingPrompt
		return nil
	case ModeProposing:
		return &domain.BusyError{Op: "begin prompt"}
	default:
		return fmt.Errorf("cannot begin prompt in mode %s", s.mode)
	}
}

// SubmitPrompt issues an oracle call for prompt and transitions to
// Proposing immediately. The call runs off the calling goroutine; its
// completion arrives as an EventProposalsReady or EventAdvisory event. Only
// one call may be outstanding: a second prompt is rejected with BusyError,
// not queued.
func (s *Session) SubmitPrompt(ctx context.Context, prompt domain.Prompt) (uint64, error) {
	s.mu.Lock()
	switch s.mode {
	case ModeIdle, ModeAwaitingPrompt:
	case ModeProposing:
		s.mu.Unlock()
		return 0, &domain.BusyError{Op: "submit prompt"}
	default:
		mode := s.mode
		s.mu.Unlock()
		return 0, fmt.Errorf("cannot submit prompt in mode %s", mode)
	}
	if s.adapter == nil {
		s.mu.Unlock()
		return 0, &domain.OracleUnavailableError{Cause: fmt.Errorf("no oracle configured")}
	}

	s.token++
	token := s.token
	s.mode = ModeProposing
	s.prompt = prompt
	callCtx, cancel := context.WithCancel(ctx)
	s.cancelCall = cancel
	s.mu.Unlock()

	go func() {
		start := time.Now()
		proposals, err := s.adapter.Propose(callCtx, s.img, prompt)
		s.metrics.Observe(callCtx, "oracle_propose", err == nil, time.Since(start))
		cancel()
		s.completeProposal(token, proposals, err)
	}()
	return token, nil
}

func (s *Session) completeProposal(token uint64, proposals []domain.Proposal, err error) {
	s.mu.Lock()
	if s.closed || token != s.token || s.mode != ModeProposing {
		// Late result for a cancelled or superseded request.
		s.mu.Unlock()
		s.logger.Debug("discarding stale oracle result", "token", token)
		return
	}
	s.cancelCall = nil
	if err != nil {
		s.mode = ModeIdle
		s.mu.Unlock()
		s.logger.Warn("oracle call failed", "error", err)
		s.emit(Event{Kind: EventAdvisory, Token: token, Err: err})
		return
	}
	s.proposals = proposals
	s.mode = ModeReviewing
	s.mu.Unlock()
	s.emit(Event{Kind: EventProposalsReady, Token: token, Proposals: append([]domain.Proposal(nil), proposals...)})
}

// CancelProposal aborts an in-flight oracle call and returns to Idle. A
// late result from the aborted call is discarded by token comparison.
func (s *Session) CancelProposal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeProposing {
		return fmt.Errorf("no oracle call in flight")
	}
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
	s.token++ // invalidate the outstanding request token
	s.mode = ModeIdle
	return nil
}

// Proposals returns the candidate masks under review.
func (s *Session) Proposals() []domain.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Proposal, len(s.proposals))
	for i, p := range s.proposals {
		out[i] = domain.Proposal{Region: p.Region.Clone(), Confidence: p.Confidence}
	}
	return out
}

// ReviseProposal replaces the region of one candidate before acceptance
// (boundary adjustment via brush/erase).
func (s *Session) ReviseProposal(index int, region domain.Bitmap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeReviewing {
		return fmt.Errorf("no proposals under review")
	}
	if index < 0 || index >= len(s.proposals) {
		return fmt.Errorf("proposal index %d out of range", index)
	}
	if region.Area() == 0 {
		return &domain.InvalidMaskError{Reason: "revised region has zero area"}
	}
	s.proposals[index].Region = region.Clone()
	return nil
}

// AcceptProposal commits one reviewed candidate to the mask store with the
// given category and returns to Idle. The addition is one undoable edit.
func (s *Session) AcceptProposal(ctx context.Context, index int, category domain.Category) (domain.Mask, error) {
	s.mu.Lock()
	if s.mode != ModeReviewing {
		s.mu.Unlock()
		return domain.Mask{}, fmt.Errorf("no proposals under review")
	}
	if index < 0 || index >= len(s.proposals) {
		s.mu.Unlock()
		return domain.Mask{}, fmt.Errorf("proposal index %d out of range", index)
	}
	candidate := s.proposals[index]
	s.mu.Unlock()

	confidence := candidate.Confidence
	var accepted domain.Mask
	err := s.apply(ctx, "accept_proposal", func(tx *maskstore.Transaction) error {
		var err error
		accepted, err = tx.AddMask(domain.Mask{
			Source:     domain.MaskSourceOracle,
			Confidence: &confidence,
			Category:   category,
			Region:     candidate.Region,
		})
		return err
	})
	if err != nil {
		return domain.Mask{}, err
	}

	s.mu.Lock()
	s.proposals = nil
	s.mode = ModeIdle
	s.mu.Unlock()
	return accepted, nil
}

// RejectProposals discards the candidates without touching the store.
func (s *Session) RejectProposals() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeReviewing {
		return fmt.Errorf("no proposals under review")
	}
	s.proposals = nil
	s.mode = ModeIdle
	return nil
}

// EnterManualDraw transitions Idle -> ManualDraw.
func (s *Session) EnterManualDraw() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeIdle {
		return fmt.Errorf("cannot enter manual draw in mode %s", s.mode)
	}
	s.mode = ModeManualDraw
	return nil
}

// LeaveManualDraw transitions ManualDraw -> Idle.
func (s *Session) LeaveManualDraw() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeManualDraw {
		return fmt.Errorf("not in manual draw mode")
	}
	s.mode = ModeIdle
	return nil
}

// CommitManualMask adds a manually drawn region as a new mask. The session
// stays in ManualDraw so the operator can keep drawing.
func (s *Session) CommitManualMask(ctx context.Context, region domain.Bitmap, category domain.Category) (domain.Mask, error) {
	if mode := s.Mode(); mode != ModeManualDraw {
		return domain.Mask{}, fmt.Errorf("cannot commit manual mask in mode %s", mode)
	}
	var added domain.Mask
	err := s.apply(ctx, "manual_mask", func(tx *maskstore.Transaction) error {
		var err error
		added, err = tx.AddMask(domain.Mask{
			Source:   domain.MaskSourceManual,
			Category: category,
			Region:   region,
		})
		return err
	})
	return added, err
}

func (s *Session) editable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.mode {
	case ModeIdle, ModeManualDraw:
		return nil
	case ModeProposing:
		return &domain.BusyError{Op: "edit"}
	default:
		return fmt.Errorf("cannot edit in mode %s", s.mode)
	}
}

// Merge combines two masks into one; a single undoable operation.
func (s *Session) Merge(ctx context.Context, aID, bID string) (domain.Mask, error) {
	if err := s.editable(); err != nil {
		return domain.Mask{}, err
	}
	var merged domain.Mask
	err := s.apply(ctx, "merge", func(tx *maskstore.Transaction) error {
		var err error
		merged, err = tx.MergeMasks(aID, bID)
		return err
	})
	return merged, err
}

// Split partitions one mask along a cut region; a single undoable
// operation.
func (s *Session) Split(ctx context.Context, id string, divider domain.Bitmap) (domain.Mask, domain.Mask, error) {
	if err := s.editable(); err != nil {
		return domain.Mask{}, domain.Mask{}, err
	}
	var first, second domain.Mask
	err := s.apply(ctx, "split", func(tx *maskstore.Transaction) error {
		var err error
		first, second, err = tx.SplitMask(id, divider)
		return err
	})
	return first, second, err
}

// Relabel assigns a category to a mask.
func (s *Session) Relabel(ctx context.Context, id string, category domain.Category) (domain.Mask, error) {
	if err := s.editable(); err != nil {
		return domain.Mask{}, err
	}
	var relabeled domain.Mask
	err := s.apply(ctx, "relabel", func(tx *maskstore.Transaction) error {
		var err error
		relabeled, err = tx.RelabelMask(id, category)
		return err
	})
	return relabeled, err
}

// Remove deletes a mask.
func (s *Session) Remove(ctx context.Context, id string) error {
	if err := s.editable(); err != nil {
		return err
	}
	return s.apply(ctx, "remove", func(tx *maskstore.Transaction) error {
		return tx.RemoveMask(id)
	})
}

// SetActive marks the mask currently being edited; empty id clears it.
func (s *Session) SetActive(ctx context.Context, id string) error {
	if err := s.editable(); err != nil {
		return err
	}
	return s.apply(ctx, "set_active", func(tx *maskstore.Transaction) error {
		return tx.SetActive(id)
	})
}

// apply runs one mutation as an undoable edit operation: it captures
// snapshots around the transaction and clears the redo stack on success.
// Snapshot replay, not inverse operations, guarantees exact state
// reproduction for compound edits like merge and split.
func (s *Session) apply(ctx context.Context, name string, fn func(tx *maskstore.Transaction) error) error {
	before := s.store.Snapshot()
	start := time.Now()
	_, err := s.store.RunInTransaction(ctx, fn)
	s.metrics.Observe(ctx, name, err == nil, time.Since(start))
	if err != nil {
		return err
	}
	after := s.store.Snapshot()

	s.mu.Lock()
	s.undo = append(s.undo, editOperation{name: name, before: before, after: after})
	s.redo = nil
	s.mu.Unlock()

	s.publishClassification()
	return nil
}

// Undo reverts the most recent edit operation by restoring its pre-state
// snapshot.
func (s *Session) Undo() error {
	if err := s.editable(); err != nil {
		return err
	}
	s.mu.Lock()
	if len(s.undo) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("nothing to undo")
	}
	op := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.mu.Unlock()

	if err := s.store.Restore(op.before); err != nil {
		return err
	}
	s.mu.Lock()
	s.redo = append(s.redo, op)
	s.mu.Unlock()
	s.publishClassification()
	return nil
}

// Redo reapplies the most recently undone operation.
func (s *Session) Redo() error {
	if err := s.editable(); err != nil {
		return err
	}
	s.mu.Lock()
	if len(s.redo) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("nothing to redo")
	}
	op := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.mu.Unlock()

	if err := s.store.Restore(op.after); err != nil {
		return err
	}
	s.mu.Lock()
	s.undo = append(s.undo, op)
	s.mu.Unlock()
	s.publishClassification()
	return nil
}

// UndoDepth returns the number of operations available to undo.
func (s *Session) UndoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo)
}

// RedoDepth returns the number of operations available to redo.
func (s *Session) RedoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redo)
}

// Classification recomputes the per-category statistics from the current
// mask store state.
func (s *Session) Classification() domain.ClassificationResult {
	return aggregate.Compute(s.store.Snapshot())
}

// Subscribe returns a read-only stream of classification updates. The
// channel holds the latest result only; slow consumers observe the most
// recent state, never a backlog.
func (s *Session) Subscribe() <-chan domain.ClassificationResult {
	ch := make(chan domain.ClassificationResult, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) publishClassification() {
	result := aggregate.Compute(s.store.Snapshot())
	s.mu.Lock()
	subs := append([]chan domain.ClassificationResult(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		// Latest-wins: drop the stale value if the subscriber hasn't
		// drained it yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- result:
		default:
		}
	}
}

// Close cancels any in-flight oracle call and closes the event stream.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
	s.token++
	s.mode = ModeIdle
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	close(s.events)
	for _, ch := range subs {
		close(ch)
	}
}
