package domain

import (
	"context"
	"fmt"
)

// Severity grades a rule violation.
type Severity string

// Violation severities. Blocking violations abort the transaction.
const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// Violation describes one rule failure.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	MaskID   string   `json:"mask_id,omitempty"`
}

// Result aggregates the violations produced by a rule evaluation pass.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends the violations of other.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking reports whether any violation is blocking.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when a transaction produces blocking
// violations.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return fmt.Sprintf("transaction blocked by %d rule violation(s)", len(e.Result.Violations))
}

// RuleView provides read-only access to the transactional mask state for
// rule evaluation.
type RuleView interface {
	GridSize() (width, height int)
	ListMasks() []Mask
	FindMask(id string) (Mask, bool)
	ActiveMaskID() string
}

// Rule defines an invariant evaluated within a mask store transaction
// boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// NewDefaultRulesEngine constructs an engine carrying the core mask
// invariants.
func NewDefaultRulesEngine() *RulesEngine {
	e := NewRulesEngine()
	e.Register(MaskGeometryRule{})
	e.Register(ActiveMaskRule{})
	e.Register(ConfidenceRangeRule{})
	return e
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}

// MaskGeometryRule blocks masks whose region leaves the image grid or has
// zero area. The store also rejects these synchronously; the rule is the
// transaction-level backstop for compound operations.
type MaskGeometryRule struct{}

// Name implements Rule.
func (MaskGeometryRule) Name() string { return "mask_geometry" }

// Evaluate implements Rule.
func (MaskGeometryRule) Evaluate(_ context.Context, view RuleView, _ []Change) (Result, error) {
	w, h := view.GridSize()
	var res Result
	for _, m := range view.ListMasks() {
		if m.Region.Width != w || m.Region.Height != h {
			res.Violations = append(res.Violations, Violation{
				Rule:     "mask_geometry",
				Severity: SeverityBlock,
				Message:  "mask grid does not match image grid",
				MaskID:   m.ID,
			})
			continue
		}
		if m.Region.Area() == 0 {
			res.Violations = append(res.Violations, Violation{
				Rule:     "mask_geometry",
				Severity: SeverityBlock,
				Message:  "mask has zero area",
				MaskID:   m.ID,
			})
		}
	}
	return res, nil
}

// ActiveMaskRule blocks a dangling active-mask reference: at most one mask
// is active and it must exist.
type ActiveMaskRule struct{}

// Name implements Rule.
func (ActiveMaskRule) Name() string { return "active_mask" }

// Evaluate implements Rule.
func (ActiveMaskRule) Evaluate(_ context.Context, view RuleView, _ []Change) (Result, error) {
	var res Result
	if id := view.ActiveMaskID(); id != "" {
		if _, ok := view.FindMask(id); !ok {
			res.Violations = append(res.Violations, Violation{
				Rule:     "active_mask",
				Severity: SeverityBlock,
				Message:  "active mask does not exist",
				MaskID:   id,
			})
		}
	}
	return res, nil
}

// ConfidenceRangeRule warns when an oracle-sourced mask carries a
// confidence outside [0,1] or a manual mask carries any confidence at all.
type ConfidenceRangeRule struct{}

// Name implements Rule.
func (ConfidenceRangeRule) Name() string { return "confidence_range" }

// Evaluate implements Rule.
func (ConfidenceRangeRule) Evaluate(_ context.Context, view RuleView, _ []Change) (Result, error) {
	var res Result
	for _, m := range view.ListMasks() {
		switch m.Source {
		case MaskSourceOracle:
			if m.Confidence == nil || *m.Confidence < 0 || *m.Confidence > 1 {
				res.Violations = append(res.Violations, Violation{
					Rule:     "confidence_range",
					Severity: SeverityWarn,
					Message:  "oracle mask confidence outside [0,1]",
					MaskID:   m.ID,
				})
			}
		case MaskSourceManual:
			if m.Confidence != nil {
				res.Violations = append(res.Violations, Violation{
					Rule:     "confidence_range",
					Severity: SeverityWarn,
					Message:  "manual mask carries a confidence score",
					MaskID:   m.ID,
				})
			}
		}
	}
	return res, nil
}
