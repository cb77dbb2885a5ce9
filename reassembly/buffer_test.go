package reassembly

import (
	"bytes"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/pithecene-io/shutter/types"
)

var (
	testID  = types.Identity{SourceID: "B8F862F9CFB8", ArtifactName: "image_1.jpg"}
	testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testMeta(total int, size int64) types.Metadata {
	return types.Metadata{ID: testID, TotalChunks: total, TotalSize: size, ChunkSize: 4}
}

// split cuts data into chunkSize pieces.
func split(data []byte, chunkSize int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := min(chunkSize, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func TestBuffer_AnyOrderAssemblesOriginal(t *testing.T) {
	data := []byte("abcdefghijklmnopqr")
	parts := split(data, 4)

	orders := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
		{1, 4, 0, 3, 2},
	}
	for _, order := range orders {
		for _, metaFirst := range []bool{true, false} {
			b := NewBuffer(testID, testNow)
			if metaFirst {
				if err := b.ObserveMetadata(testMeta(len(parts), int64(len(data))), testNow); err != nil {
					t.Fatalf("ObserveMetadata: %v", err)
				}
			}
			for _, idx := range order {
				if err := b.ObserveChunk(idx, parts[idx], testNow); err != nil {
					t.Fatalf("ObserveChunk(%d): %v", idx, err)
				}
			}
			if !metaFirst {
				if b.IsComplete() {
					t.Fatal("buffer complete before metadata")
				}
				if err := b.ObserveMetadata(testMeta(len(parts), int64(len(data))), testNow); err != nil {
					t.Fatalf("ObserveMetadata: %v", err)
				}
			}
			if !b.IsComplete() {
				t.Fatalf("order %v: not complete", order)
			}
			got, err := b.Assemble()
			if err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("order %v metaFirst=%v: Assemble = %q, want %q", order, metaFirst, got, data)
			}
		}
	}
}

func TestBuffer_DuplicateChunkIsIdempotent(t *testing.T) {
	b := NewBuffer(testID, testNow)
	if err := b.ObserveMetadata(testMeta(2, 8), testNow); err != nil {
		t.Fatalf("ObserveMetadata: %v", err)
	}
	for range 3 {
		if err := b.ObserveChunk(0, []byte("abcd"), testNow); err != nil {
			t.Fatalf("ObserveChunk: %v", err)
		}
	}
	if b.Received() != 1 {
		t.Errorf("Received = %d, want 1", b.Received())
	}
	if b.IsComplete() {
		t.Error("IsComplete = true, want false")
	}
	if got := b.MissingIndices(); !slices.Equal(got, []int{1}) {
		t.Errorf("MissingIndices = %v, want [1]", got)
	}
}

func TestBuffer_MissingIndices(t *testing.T) {
	b := NewBuffer(testID, testNow)
	if err := b.ObserveMetadata(testMeta(5, 20), testNow); err != nil {
		t.Fatalf("ObserveMetadata: %v", err)
	}
	for _, idx := range []int{0, 1, 3, 4} {
		if err := b.ObserveChunk(idx, []byte("abcd"), testNow); err != nil {
			t.Fatalf("ObserveChunk(%d): %v", idx, err)
		}
	}
	if got := b.MissingIndices(); !slices.Equal(got, []int{2}) {
		t.Errorf("MissingIndices = %v, want [2]", got)
	}
	if b.IsComplete() {
		t.Error("IsComplete = true, want false")
	}
}

func TestBuffer_MissingIndicesWithoutMetadata(t *testing.T) {
	b := NewBuffer(testID, testNow)
	if err := b.ObserveChunk(3, []byte("x"), testNow); err != nil {
		t.Fatalf("ObserveChunk: %v", err)
	}
	if b.HasMetadata() {
		t.Error("HasMetadata = true, want false")
	}
	if got := b.MissingIndices(); len(got) != 0 {
		t.Errorf("MissingIndices = %v, want empty", got)
	}
	if b.Expected() != -1 {
		t.Errorf("Expected = %d, want -1", b.Expected())
	}
}

func TestBuffer_ChunkOutOfRange(t *testing.T) {
	b := NewBuffer(testID, testNow)
	if err := b.ObserveMetadata(testMeta(3, 12), testNow); err != nil {
		t.Fatalf("ObserveMetadata: %v", err)
	}

	for _, idx := range []int{-1, 3, 10} {
		err := b.ObserveChunk(idx, []byte("x"), testNow)
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("ObserveChunk(%d) error = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
	if b.Received() != 0 {
		t.Errorf("Received = %d, want 0", b.Received())
	}
}

func TestBuffer_InconsistentMetadataDropsOutOfRange(t *testing.T) {
	b := NewBuffer(testID, testNow)
	if err := b.ObserveMetadata(testMeta(5, 20), testNow); err != nil {
		t.Fatalf("ObserveMetadata: %v", err)
	}
	for idx := range 5 {
		if idx == 1 {
			continue
		}
		if err := b.ObserveChunk(idx, []byte("abcd"), testNow); err != nil {
			t.Fatalf("ObserveChunk(%d): %v", idx, err)
		}
	}

	err := b.ObserveMetadata(testMeta(3, 12), testNow)
	if !errors.Is(err, ErrInconsistentMetadata) {
		t.Fatalf("error = %v, want ErrInconsistentMetadata", err)
	}
	var inc *InconsistentMetadataError
	if !errors.As(err, &inc) {
		t.Fatalf("error type = %T, want *InconsistentMetadataError", err)
	}
	if inc.Previous != 5 || inc.Current != 3 {
		t.Errorf("Previous, Current = %d, %d, want 5, 3", inc.Previous, inc.Current)
	}
	if !slices.Equal(inc.Dropped, []int{3, 4}) {
		t.Errorf("Dropped = %v, want [3 4]", inc.Dropped)
	}
	if b.Expected() != 3 {
		t.Errorf("Expected = %d, want 3", b.Expected())
	}
	if b.Received() != 2 {
		t.Errorf("Received = %d, want 2", b.Received())
	}
	if got := b.MissingIndices(); !slices.Equal(got, []int{1}) {
		t.Errorf("MissingIndices = %v, want [1]", got)
	}
}

func TestBuffer_RepeatedMetadataIsNotInconsistent(t *testing.T) {
	b := NewBuffer(testID, testNow)
	for range 2 {
		if err := b.ObserveMetadata(testMeta(4, 16), testNow); err != nil {
			t.Fatalf("ObserveMetadata: %v", err)
		}
	}
}

func TestBuffer_AssembleIncomplete(t *testing.T) {
	b := NewBuffer(testID, testNow)
	if _, err := b.Assemble(); !errors.Is(err, ErrIncompleteAssembly) {
		t.Errorf("Assemble without metadata error = %v, want ErrIncompleteAssembly", err)
	}

	if err := b.ObserveMetadata(testMeta(2, 8), testNow); err != nil {
		t.Fatalf("ObserveMetadata: %v", err)
	}
	if err := b.ObserveChunk(1, []byte("efgh"), testNow); err != nil {
		t.Fatalf("ObserveChunk: %v", err)
	}
	if _, err := b.Assemble(); !errors.Is(err, ErrIncompleteAssembly) {
		t.Errorf("Assemble error = %v, want ErrIncompleteAssembly", err)
	}
}

func TestBuffer_ActivityAndReset(t *testing.T) {
	b := NewBuffer(testID, testNow)
	later := testNow.Add(3 * time.Second)
	if err := b.ObserveMetadata(testMeta(2, 8), later); err != nil {
		t.Fatalf("ObserveMetadata: %v", err)
	}
	if !b.LastActivity.Equal(later) {
		t.Errorf("LastActivity = %v, want %v", b.LastActivity, later)
	}
	if !b.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", b.CreatedAt, testNow)
	}
	if err := b.ObserveChunk(0, []byte("abcd"), later); err != nil {
		t.Fatalf("ObserveChunk: %v", err)
	}

	b.Reset(later.Add(time.Second))
	if b.Received() != 0 {
		t.Errorf("Received after Reset = %d, want 0", b.Received())
	}
	if !b.HasMetadata() {
		t.Error("Reset dropped metadata")
	}
	if got := b.MissingIndices(); !slices.Equal(got, []int{0, 1}) {
		t.Errorf("MissingIndices = %v, want [0 1]", got)
	}
}
