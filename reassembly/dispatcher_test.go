package reassembly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/shutter/types"
)

type orderRecorder struct {
	mu   sync.Mutex
	seen map[types.Identity][]int
	n    int
	done chan struct{}
	want int
}

func (r *orderRecorder) HandleMetadata(context.Context, types.Metadata) error {
	r.record(types.Identity{}, -1)
	return nil
}

func (r *orderRecorder) HandleChunk(_ context.Context, c types.Chunk) error {
	r.record(c.ID, c.Index)
	return nil
}

func (r *orderRecorder) record(id types.Identity, idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= 0 {
		r.seen[id] = append(r.seen[id], idx)
	}
	r.n++
	if r.n == r.want {
		close(r.done)
	}
}

func TestDispatcher_PreservesPerIdentityOrder(t *testing.T) {
	const perIdentity = 50
	ids := []types.Identity{
		{SourceID: "a", ArtifactName: "1.jpg"},
		{SourceID: "b", ArtifactName: "1.jpg"},
		{SourceID: "c", ArtifactName: "2.jpg"},
	}
	rec := &orderRecorder{
		seen: make(map[types.Identity][]int),
		done: make(chan struct{}),
		want: perIdentity*len(ids) + 1,
	}
	d := NewDispatcher(rec, 4, 8, nil)

	ctx, cancel := context.WithCancel(t.Context())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	if err := d.Dispatch(ctx, Message{Metadata: &types.Metadata{ID: ids[0], TotalChunks: 1}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for i := range perIdentity {
		for _, id := range ids {
			if err := d.Dispatch(ctx, Message{Chunk: &types.Chunk{ID: id, Index: i}}); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
		}
	}

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	rec.mu.Lock()
	for _, id := range ids {
		got := rec.seen[id]
		if len(got) != perIdentity {
			t.Errorf("%s: handled %d chunks, want %d", id, len(got), perIdentity)
			continue
		}
		for i, idx := range got {
			if idx != i {
				t.Errorf("%s: position %d has index %d", id, i, idx)
				break
			}
		}
	}
	rec.mu.Unlock()

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if err := d.Dispatch(context.Background(), Message{Chunk: &types.Chunk{ID: ids[0]}}); err != ErrDispatcherClosed {
		t.Errorf("Dispatch after Run = %v, want ErrDispatcherClosed", err)
	}
}
