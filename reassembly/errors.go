package reassembly

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/shutter/types"
)

// Sentinel errors for reassembly failure classification.
var (
	// ErrIndexOutOfRange indicates a chunk index outside [0, expected_total).
	// The chunk is rejected and not stored.
	ErrIndexOutOfRange = errors.New("chunk index out of range")

	// ErrInconsistentMetadata indicates a metadata redefinition mid-transfer.
	// The later value wins; it is logged, never fatal.
	ErrInconsistentMetadata = errors.New("inconsistent metadata")

	// ErrIncompleteAssembly indicates Assemble was called on an incomplete
	// buffer. This is a programming error, not a runtime condition.
	ErrIncompleteAssembly = errors.New("assemble called on incomplete buffer")

	// ErrTransferAbandoned indicates a buffer exhausted its grace cycles.
	ErrTransferAbandoned = errors.New("transfer abandoned")

	// ErrEmptyArtifact indicates metadata declaring zero chunks.
	ErrEmptyArtifact = errors.New("artifact declares no chunks")

	// ErrArtifactTooLarge indicates metadata above the configured size cap.
	ErrArtifactTooLarge = errors.New("artifact exceeds maximum size")

	// ErrSizeMismatch indicates an assembled artifact whose length differs
	// from the declared size. The buffer is reset and every chunk requested again.
	ErrSizeMismatch = errors.New("assembled size does not match metadata")
)

// InconsistentMetadataError describes a metadata correction.
type InconsistentMetadataError struct {
	ID       types.Identity
	Previous int
	Current  int
	// Dropped lists stored indices that fell outside the new bound.
	Dropped []int
}

func (e *InconsistentMetadataError) Error() string {
	return fmt.Sprintf("artifact %s: total chunks redefined %d -> %d (dropped %d stored chunks)",
		e.ID, e.Previous, e.Current, len(e.Dropped))
}

// Is matches ErrInconsistentMetadata.
func (e *InconsistentMetadataError) Is(target error) bool {
	return target == ErrInconsistentMetadata
}

// AbandonedError reports a buffer evicted after exhausting its retry budget.
type AbandonedError struct {
	ID      types.Identity
	Missing []int
	Cycles  int
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("artifact %s: abandoned after %d grace cycles (%d chunks missing)",
		e.ID, e.Cycles, len(e.Missing))
}

// Is matches ErrTransferAbandoned.
func (e *AbandonedError) Is(target error) bool {
	return target == ErrTransferAbandoned
}
