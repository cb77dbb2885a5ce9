package transfer

import (
	"context"
	"time"

	"github.com/pithecene-io/shutter/types"
)

// Artifact is one captured blob queued for transfer.
type Artifact struct {
	Name             string
	Data             []byte
	CaptureTimestamp time.Time
	Telemetry        types.Telemetry
	// Error is the capture error code forwarded in metadata (0 = ok).
	Error int
}

// Source loads one backlog entry. Loading is deferred so a drain holds
// at most one artifact in memory.
type Source interface {
	Name() string
	Load(ctx context.Context) (Artifact, error)
}

// StaticSource wraps an in-memory artifact as a Source.
func StaticSource(a Artifact) Source { return staticSource{a: a} }

type staticSource struct{ a Artifact }

func (s staticSource) Name() string { return s.a.Name }
func (s staticSource) Load(context.Context) (Artifact, error) { return s.a, nil }

// Range is the byte span [Start, End) of chunk Index.
type Range struct {
	Index int
	Start int
	End   int
}

// SplitRanges cuts size bytes into ceil(size/chunkSize) consecutive ranges.
// Every range but the last is exactly chunkSize long.
func SplitRanges(size, chunkSize int) []Range {
	n := types.ChunkCount(int64(size), chunkSize)
	ranges := make([]Range, n)
	for i := range ranges {
		start := i * chunkSize
		ranges[i] = Range{Index: i, Start: start, End: min(start+chunkSize, size)}
	}
	return ranges
}
