package reassembly

import (
	"fmt"
	"slices"
	"time"

	"github.com/pithecene-io/shutter/types"
)

// Buffer accumulates the chunks of one artifact.
//
// Buffer is a plain data structure with deterministic transitions. It is
// not safe for concurrent use; the Engine serializes access per identity.
type Buffer struct {
	id types.Identity
	// expected is the authoritative chunk count, -1 until metadata is seen.
	expected int
	meta     *types.Metadata
	chunks   map[int][]byte

	// CreatedAt is when the first message for this identity arrived.
	CreatedAt time.Time
	// LastActivity is the last observed message or missing-chunk request.
	LastActivity time.Time
	// graceCycles counts missing-chunk requests issued for this buffer.
	graceCycles int
}

// NewBuffer creates an empty buffer for id.
func NewBuffer(id types.Identity, now time.Time) *Buffer {
	return &Buffer{
		id:           id,
		expected:     -1,
		chunks:       make(map[int][]byte),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// ObserveMetadata records the expected chunk count.
//
// A later call with a different count wins. Stored chunks at or beyond the
// new bound are dropped and an *InconsistentMetadataError is returned for
// logging; the buffer remains usable.
func (b *Buffer) ObserveMetadata(meta types.Metadata, now time.Time) error {
	b.LastActivity = now
	m := meta
	b.meta = &m

	previous := b.expected
	b.expected = meta.TotalChunks

	var dropped []int
	for idx := range b.chunks {
		if idx >= b.expected {
			dropped = append(dropped, idx)
		}
	}
	for _, idx := range dropped {
		delete(b.chunks, idx)
	}

	if previous >= 0 && previous != b.expected {
		slices.Sort(dropped)
		return &InconsistentMetadataError{
			ID:       b.id,
			Previous: previous,
			Current:  b.expected,
			Dropped:  dropped,
		}
	}
	return nil
}

// ObserveChunk stores a chunk. Redelivery of an index overwrites it.
// Returns ErrIndexOutOfRange when the index is negative or, once the
// expected count is known, not below it.
func (b *Buffer) ObserveChunk(index int, data []byte, now time.Time) error {
	if index < 0 || (b.expected >= 0 && index >= b.expected) {
		return fmt.Errorf("artifact %s: chunk %d (expected %d): %w", b.id, index, b.expected, ErrIndexOutOfRange)
	}
	b.chunks[index] = data
	b.LastActivity = now
	return nil
}

// HasMetadata reports whether the expected count is known.
func (b *Buffer) HasMetadata() bool {
	return b.expected >= 0
}

// Metadata returns the last observed metadata, or nil.
func (b *Buffer) Metadata() *types.Metadata {
	return b.meta
}

// Expected returns the expected chunk count, or -1 when unknown.
func (b *Buffer) Expected() int {
	return b.expected
}

// Received returns the number of distinct indices stored.
func (b *Buffer) Received() int {
	return len(b.chunks)
}

// IsComplete reports whether every index in [0, expected) is present.
func (b *Buffer) IsComplete() bool {
	if b.expected < 0 {
		return false
	}
	// Out-of-range indices are never stored, so a count check suffices.
	return len(b.chunks) == b.expected
}

// MissingIndices returns absent indices in ascending order. It is empty
// when the expected count is unknown or the buffer is complete.
func (b *Buffer) MissingIndices() []int {
	if b.expected < 0 {
		return nil
	}
	var missing []int
	for i := 0; i < b.expected; i++ {
		if _, ok := b.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Assemble concatenates chunk bytes ordered by index.
// Returns ErrIncompleteAssembly unless IsComplete is true.
func (b *Buffer) Assemble() ([]byte, error) {
	if !b.IsComplete() {
		return nil, fmt.Errorf("artifact %s: %d of %d chunks: %w", b.id, len(b.chunks), b.expected, ErrIncompleteAssembly)
	}
	size := 0
	for _, c := range b.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := 0; i < b.expected; i++ {
		out = append(out, b.chunks[i]...)
	}
	return out, nil
}

// Reset drops every stored chunk but keeps the metadata.
func (b *Buffer) Reset(now time.Time) {
	clear(b.chunks)
	b.LastActivity = now
}
