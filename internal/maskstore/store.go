// Package maskstore owns the ordered set of region masks for one open
// image. State is mutated only through clone-based transactions so that
// snapshot/restore gives cheap isolation for undo without transactional
// machinery.
package maskstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"mezocore/pkg/domain"
)

type maskState struct {
	width  int
	height int
	// masks is kept sorted by ascending creation order; the last mask wins
	// on pixel overlap.
	masks  []domain.Mask
	index  map[string]int
	active string
	next   int
}

func newMaskState(width, height int) maskState {
	return maskState{
		width:  width,
		height: height,
		index:  make(map[string]int),
	}
}

func (s maskState) clone() maskState {
	cloned := newMaskState(s.width, s.height)
	cloned.active = s.active
	cloned.next = s.next
	cloned.masks = make([]domain.Mask, len(s.masks))
	for i, m := range s.masks {
		cloned.masks[i] = m.Clone()
		cloned.index[m.ID] = i
	}
	return cloned
}

func (s *maskState) insert(m domain.Mask) {
	s.index[m.ID] = len(s.masks)
	s.masks = append(s.masks, m)
}

func (s *maskState) remove(id string) (domain.Mask, bool) {
	i, ok := s.index[id]
	if !ok {
		return domain.Mask{}, false
	}
	removed := s.masks[i]
	s.masks = append(s.masks[:i], s.masks[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.masks); j++ {
		s.index[s.masks[j].ID] = j
	}
	if s.active == id {
		s.active = ""
	}
	return removed, true
}

// stateView adapts a maskState to the rules engine's read-only view.
type stateView struct {
	state *maskState
}

// GridSize implements domain.RuleView.
func (v stateView) GridSize() (int, int) { return v.state.width, v.state.height }

// ListMasks implements domain.RuleView.
func (v stateView) ListMasks() []domain.Mask {
	out := make([]domain.Mask, len(v.state.masks))
	for i, m := range v.state.masks {
		out[i] = m.Clone()
	}
	return out
}

// FindMask implements domain.RuleView.
func (v stateView) FindMask(id string) (domain.Mask, bool) {
	i, ok := v.state.index[id]
	if !ok {
		return domain.Mask{}, false
	}
	return v.state.masks[i].Clone(), true
}

// ActiveMaskID implements domain.RuleView.
func (v stateView) ActiveMaskID() string { return v.state.active }

// Store provides the transactional mask set for a single image. It is
// single-writer: one editing session mutates it at a time.
type Store struct {
	mu     sync.RWMutex
	state  maskState
	engine *domain.RulesEngine
}

// New constructs an empty store over a width x height pixel grid.
func New(width, height int, engine *domain.RulesEngine) (*Store, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("non-positive grid %dx%d", width, height)
	}
	if engine == nil {
		engine = domain.NewDefaultRulesEngine()
	}
	return &Store{state: newMaskState(width, height), engine: engine}, nil
}

// NewFromSnapshot constructs a store seeded from a validated snapshot.
func NewFromSnapshot(snap domain.MaskSnapshot, engine *domain.RulesEngine) (*Store, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	s, err := New(snap.Width, snap.Height, engine)
	if err != nil {
		return nil, err
	}
	if err := s.Restore(snap); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// Transaction represents a mutation set applied to the store state.
type Transaction struct {
	store   *Store
	state   maskState
	changes []domain.Change
}

func (tx *Transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// RunInTransaction executes fn within a transactional copy of the store
// state. The copy replaces the live state only if fn and all registered
// rules succeed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Transaction{store: s, state: s.state.clone()}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		view := stateView{state: &tx.state}
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

func (tx *Transaction) validateGeometry(m domain.Mask) error {
	if m.Region.Width != tx.state.width || m.Region.Height != tx.state.height {
		return &domain.InvalidMaskError{MaskID: m.ID, Reason: fmt.Sprintf(
			"mask grid %dx%d does not match image grid %dx%d",
			m.Region.Width, m.Region.Height, tx.state.width, tx.state.height)}
	}
	if m.Region.Area() == 0 {
		return &domain.InvalidMaskError{MaskID: m.ID, Reason: "zero-area region"}
	}
	return nil
}

// AddMask stores a new mask, assigning its id and creation-order index.
// Zero-area or off-grid regions are rejected immediately, never stored.
func (tx *Transaction) AddMask(m domain.Mask) (domain.Mask, error) {
	if m.ID == "" {
		m.ID = tx.store.newID()
	}
	if _, exists := tx.state.index[m.ID]; exists {
		return domain.Mask{}, fmt.Errorf("mask %q already exists", m.ID)
	}
	if !m.Category.Valid() {
		return domain.Mask{}, fmt.Errorf("unknown category %q", m.Category)
	}
	if err := tx.validateGeometry(m); err != nil {
		return domain.Mask{}, err
	}
	m.Order = tx.state.next
	tx.state.next++
	tx.state.insert(m.Clone())
	after := m.Clone()
	tx.recordChange(domain.Change{Action: domain.ActionCreate, MaskID: m.ID, After: &after})
	return m.Clone(), nil
}

// RemoveMask deletes a mask by id.
func (tx *Transaction) RemoveMask(id string) error {
	removed, ok := tx.state.remove(id)
	if !ok {
		return &domain.NotFoundError{Kind: "mask", ID: id}
	}
	before := removed.Clone()
	tx.recordChange(domain.Change{Action: domain.ActionDelete, MaskID: id, Before: &before})
	return nil
}

// RelabelMask assigns a category to an existing mask.
func (tx *Transaction) RelabelMask(id string, category domain.Category) (domain.Mask, error) {
	if !category.Valid() {
		return domain.Mask{}, fmt.Errorf("unknown category %q", category)
	}
	i, ok := tx.state.index[id]
	if !ok {
		return domain.Mask{}, &domain.NotFoundError{Kind: "mask", ID: id}
	}
	before := tx.state.masks[i].Clone()
	tx.state.masks[i].Category = category
	after := tx.state.masks[i].Clone()
	tx.recordChange(domain.Change{Action: domain.ActionUpdate, MaskID: id, Before: &before, After: &after})
	return after, nil
}

// SetActive marks the mask currently under edit; the empty id clears it.
// At most one mask is active at a time.
func (tx *Transaction) SetActive(id string) error {
	if id == "" {
		tx.state.active = ""
		return nil
	}
	if _, ok := tx.state.index[id]; !ok {
		return &domain.NotFoundError{Kind: "mask", ID: id}
	}
	tx.state.active = id
	return nil
}

// MergeMasks replaces masks a and b with their pixel union. The result
// takes the label of the mask with the higher creation-order index and is
// recorded as manual-edit provenance. The whole merge is one transaction,
// so undo treats it atomically.
func (tx *Transaction) MergeMasks(aID, bID string) (domain.Mask, error) {
	if aID == bID {
		return domain.Mask{}, fmt.Errorf("cannot merge mask %q with itself", aID)
	}
	ai, ok := tx.state.index[aID]
	if !ok {
		return domain.Mask{}, &domain.NotFoundError{Kind: "mask", ID: aID}
	}
	bi, ok := tx.state.index[bID]
	if !ok {
		return domain.Mask{}, &domain.NotFoundError{Kind: "mask", ID: bID}
	}
	a, b := tx.state.masks[ai], tx.state.masks[bi]
	top := a
	if b.Order > a.Order {
		top = b
	}
	merged := domain.Mask{
		Source:   domain.MaskSourceManual,
		Category: top.Category,
		Region:   a.Region.Union(b.Region),
	}
	if err := tx.RemoveMask(aID); err != nil {
		return domain.Mask{}, err
	}
	if err := tx.RemoveMask(bID); err != nil {
		return domain.Mask{}, err
	}
	return tx.AddMask(merged)
}

// SplitMask partitions one mask into the part covered by divider and the
// remainder, both keeping the original label. Fails if the divider does not
// actually cut the mask in two.
func (tx *Transaction) SplitMask(id string, divider domain.Bitmap) (domain.Mask, domain.Mask, error) {
	i, ok := tx.state.index[id]
	if !ok {
		return domain.Mask{}, domain.Mask{}, &domain.NotFoundError{Kind: "mask", ID: id}
	}
	original := tx.state.masks[i]
	inside := original.Region.Intersect(divider)
	outside := original.Region.Subtract(divider)
	if inside.Area() == 0 || outside.Area() == 0 {
		return domain.Mask{}, domain.Mask{}, &domain.InvalidMaskError{
			MaskID: id,
			Reason: "cut path does not partition the mask",
		}
	}
	if err := tx.RemoveMask(id); err != nil {
		return domain.Mask{}, domain.Mask{}, err
	}
	first, err := tx.AddMask(domain.Mask{
		Source:   domain.MaskSourceManual,
		Category: original.Category,
		Region:   inside,
	})
	if err != nil {
		return domain.Mask{}, domain.Mask{}, err
	}
	second, err := tx.AddMask(domain.Mask{
		Source:   domain.MaskSourceManual,
		Category: original.Category,
		Region:   outside,
	})
	if err != nil {
		return domain.Mask{}, domain.Mask{}, err
	}
	return first, second, nil
}

// FindMask retrieves a mask by id from the transaction state.
func (tx *Transaction) FindMask(id string) (domain.Mask, bool) {
	i, ok := tx.state.index[id]
	if !ok {
		return domain.Mask{}, false
	}
	return tx.state.masks[i].Clone(), true
}

// Masks returns all masks in creation order from the transaction state.
func (tx *Transaction) Masks() []domain.Mask {
	return stateView{state: &tx.state}.ListMasks()
}

// Read helpers ---------------------------------------------------------------

// GridSize returns the image grid dimensions.
func (s *Store) GridSize() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.width, s.state.height
}

// Masks returns all masks in creation order from committed state.
func (s *Store) Masks() []domain.Mask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateView{state: &s.state}.ListMasks()
}

// FindMask retrieves a mask by id from committed state.
func (s *Store) FindMask(id string) (domain.Mask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateView{state: &s.state}.FindMask(id)
}

// ActiveMaskID returns the id of the mask under edit, or the empty string.
func (s *Store) ActiveMaskID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.active
}

// Snapshot returns a deep, structurally independent copy of the store
// state. Mutating the live store afterwards never affects the snapshot.
func (s *Store) Snapshot() domain.MaskSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := domain.MaskSnapshot{
		Version:   domain.SnapshotVersion,
		Width:     s.state.width,
		Height:    s.state.height,
		ActiveID:  s.state.active,
		NextOrder: s.state.next,
		Masks:     make([]domain.Mask, len(s.state.masks)),
	}
	for i, m := range s.state.masks {
		snap.Masks[i] = m.Clone()
	}
	return snap
}

// Restore replaces the store state with a snapshot taken from the same
// image grid. Restores reproduce the exact captured state, which is what
// undo/redo rely on.
func (s *Store) Restore(snap domain.MaskSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Width != s.state.width || snap.Height != s.state.height {
		return fmt.Errorf("snapshot grid %dx%d does not match store grid %dx%d",
			snap.Width, snap.Height, s.state.width, s.state.height)
	}
	next := newMaskState(snap.Width, snap.Height)
	next.active = snap.ActiveID
	next.next = snap.NextOrder
	for _, m := range snap.Masks {
		next.insert(m.Clone())
	}
	s.state = next
	return nil
}
