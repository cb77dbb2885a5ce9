package transfer

import "errors"

var (
	// ErrAckTimeout indicates no acknowledgment arrived within the ack timeout.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrRetryBudgetExhausted indicates the receiver kept reporting missing
	// chunks after the retry budget was spent.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrEmptyArtifact indicates an artifact with no bytes.
	ErrEmptyArtifact = errors.New("artifact is empty")
)
