package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/shutter/types"
)

type failingSource struct{ name string }

func (f failingSource) Name() string { return f.name }
func (f failingSource) Load(context.Context) (Artifact, error) {
	return Artifact{}, errors.New("file vanished")
}

func TestDrain_StopsAtFirstAbandonedSession(t *testing.T) {
	pub := &fakePublisher{}
	router := &Router{}
	// Acknowledge everything except img_2 once its last chunk is out.
	pub.onChunk = func(_ int, c types.Chunk) {
		if c.Index == 1 && c.ID.ArtifactName != "img_2" {
			router.Route(okAck(c.ID.ArtifactName))
		}
	}
	cfg := DrainConfig{Session: testConfig(8, 1)}
	cfg.Session.AckTimeout = 50 * time.Millisecond
	d := NewDrain(testSource, pub, router, cfg)

	backlog := []Source{
		StaticSource(artifactOf("img_1", 16)),
		StaticSource(artifactOf("img_2", 16)),
		StaticSource(artifactOf("img_3", 16)),
	}
	report, err := d.Run(t.Context(), backlog)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("Run error = %v, want ErrAckTimeout", err)
	}
	if report.Total != 3 || report.Succeeded != 1 || report.Failed != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v, want 1 succeeded, 1 failed, 1 skipped", report)
	}
	if len(report.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(report.Results))
	}
	if report.Results[0].Phase != PhaseAcknowledged || report.Results[1].Phase != PhaseAbandoned {
		t.Errorf("phases = %s, %s", report.Results[0].Phase, report.Results[1].Phase)
	}

	if len(pub.statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(pub.statuses))
	}
	st := pub.statuses[0]
	if st.PendingCount != 3 || st.Status != types.StatusAlive || st.SourceID != testSource {
		t.Errorf("status = %+v", st)
	}
	for _, m := range pub.metas {
		if m.ID.ArtifactName == "img_3" {
			t.Error("img_3 was sent after an abandoned session")
		}
	}
	if router.current() != nil {
		t.Error("router still has an active session")
	}
}

func TestDrain_AllSucceed(t *testing.T) {
	pub := &fakePublisher{}
	router := &Router{}
	pub.onChunk = func(_ int, c types.Chunk) {
		if c.Index == 0 {
			router.Route(okAck(c.ID.ArtifactName))
		}
	}
	d := NewDrain(testSource, pub, router, DrainConfig{
		Session:           testConfig(8, 3),
		InterSessionDelay: time.Millisecond,
	})

	report, err := d.Run(t.Context(), []Source{
		StaticSource(artifactOf("a", 4)),
		StaticSource(artifactOf("b", 4)),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 0 || report.Skipped != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestDrain_EmptyBacklogStillAnnounces(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDrain(testSource, pub, &Router{}, DefaultDrainConfig())

	report, err := d.Run(t.Context(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Total != 0 {
		t.Errorf("Total = %d, want 0", report.Total)
	}
	if len(pub.statuses) != 1 || pub.statuses[0].PendingCount != 0 {
		t.Errorf("statuses = %+v, want one with pendingImg 0", pub.statuses)
	}
}

func TestDrain_LoadFailureCountsAsFailure(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDrain(testSource, pub, &Router{}, DrainConfig{Session: testConfig(8, 3)})

	report, err := d.Run(t.Context(), []Source{
		failingSource{name: "gone.jpg"},
		StaticSource(artifactOf("b", 4)),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if report.Failed != 1 || report.Skipped != 1 || report.Succeeded != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(pub.metas) != 0 {
		t.Errorf("metadata published = %d, want 0", len(pub.metas))
	}
}

func TestRouter_AttachDetach(t *testing.T) {
	r := &Router{}
	if r.Route(okAck("x")) {
		t.Error("Route without active session returned true")
	}

	pub := &fakePublisher{}
	s1, err := NewSession(testSource, artifactOf("one", 4), pub, testConfig(8, 1))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s2, err := NewSession(testSource, artifactOf("two", 4), pub, testConfig(8, 1))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	detach1 := r.Attach(s1)
	if !r.Route(okAck("one")) {
		t.Error("Route to attached session returned false")
	}
	detach2 := r.Attach(s2)
	detach1() // stale detach must not remove s2
	if r.current() != s2 {
		t.Error("stale detach removed the active session")
	}
	detach2()
	if r.current() != nil {
		t.Error("detach did not clear the active session")
	}
}
