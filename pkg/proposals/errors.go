package proposals

import "errors"

// Intake-time errors are returned synchronously to the submitting
// producer and never reach the conflict detector.
var (
	// ErrMalformedProposal marks a proposal with missing or out-of-range
	// required fields.
	ErrMalformedProposal = errors.New("malformed proposal")

	// ErrStaleProposal marks a proposal whose world-model snapshot is
	// older than the configured staleness bound.
	ErrStaleProposal = errors.New("stale proposal")

	// ErrDuplicateProposal marks a resubmission of an already-active
	// proposal id.
	ErrDuplicateProposal = errors.New("duplicate proposal")
)
