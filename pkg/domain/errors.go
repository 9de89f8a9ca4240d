package domain

import "fmt"

// The session-level error taxonomy. All of these are recoverable: callers
// surface them as advisories and keep the editing session alive.

// InvalidMaskError reports a mask with bad geometry: out of bounds for the
// image grid or zero area.
type InvalidMaskError struct {
	MaskID string
	Reason string
}

func (e *InvalidMaskError) Error() string {
	if e.MaskID == "" {
		return fmt.Sprintf("invalid mask: %s", e.Reason)
	}
	return fmt.Sprintf("invalid mask %s: %s", e.MaskID, e.Reason)
}

// NotFoundError reports a lookup for an unknown entity id.
type NotFoundError struct {
	Kind string // "mask", "sample", "image"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// BusyError rejects an operation while an oracle call is already in flight.
// Prompts are rejected rather than queued to keep undo history unambiguous.
type BusyError struct {
	Op string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s rejected: oracle call in flight", e.Op)
}

// OracleUnavailableError wraps a failed or timed-out segmentation model
// call. The engine converts it into a state transition back to Idle; the
// operator can retry or fall back to manual masking.
type OracleUnavailableError struct {
	Cause error
}

func (e *OracleUnavailableError) Error() string {
	if e.Cause == nil {
		return "segmentation oracle unavailable"
	}
	return fmt.Sprintf("segmentation oracle unavailable: %v", e.Cause)
}

func (e *OracleUnavailableError) Unwrap() error { return e.Cause }

// DuplicateNameError rejects a name that is already taken. Sample names
// identify records in the library listing, so they must be unique.
type DuplicateNameError struct {
	Kind string // "sample"
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s name %q already in use", e.Kind, e.Name)
}

// CorruptStateError reports a persisted mask snapshot that cannot be
// decoded. Opening a sample with corrupt state degrades to an empty mask
// store instead of blocking access to the image.
type CorruptStateError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *CorruptStateError) Error() string {
	msg := "corrupt mask snapshot"
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *CorruptStateError) Unwrap() error { return e.Cause }
