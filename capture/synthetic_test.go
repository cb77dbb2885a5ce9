package capture

import (
	"bytes"
	"testing"
	"time"

	"github.com/raulk/clock"
)

var testNow = time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)

func newTestSynthetic(t *testing.T) (*Synthetic, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testNow)
	cfg := DefaultSyntheticConfig()
	cfg.Seed = 42
	s, err := NewSynthetic(cfg, WithSyntheticClock(mock))
	if err != nil {
		t.Fatalf("NewSynthetic() = %v", err)
	}
	return s, mock
}

func TestSynthetic_FrameShape(t *testing.T) {
	s, _ := newTestSynthetic(t)

	for range 20 {
		a := s.Next()
		if n := len(a.Data); n < 30_000 || n > 80_000 {
			t.Fatalf("size = %d, want within [30000, 80000]", n)
		}
		if !bytes.HasPrefix(a.Data, jpegHeader) {
			t.Errorf("%s: missing JPEG header", a.Name)
		}
		if !bytes.HasSuffix(a.Data, jpegTrailer) {
			t.Errorf("%s: missing JPEG trailer", a.Name)
		}
	}
}

func TestSynthetic_NamesIncrease(t *testing.T) {
	s, mock := newTestSynthetic(t)

	first := s.Next()
	second := s.Next()
	if first.Name != "image_1772436600000.jpg" {
		t.Errorf("first name = %q, want image_1772436600000.jpg", first.Name)
	}
	if second.Name != "image_1772436600001.jpg" {
		t.Errorf("second name = %q, want image_1772436600001.jpg", second.Name)
	}

	mock.Add(time.Second)
	if got := s.Next().Name; got != "image_1772436601000.jpg" {
		t.Errorf("third name = %q, want image_1772436601000.jpg", got)
	}
}

func TestSynthetic_TelemetryDrifts(t *testing.T) {
	s, _ := newTestSynthetic(t)

	a := s.Next()
	temp, ok := a.Telemetry.Readings[ReadingTemperature]
	if !ok {
		t.Fatal("temperature missing")
	}
	if temp < 70.5 || temp > 74.5 {
		t.Errorf("temperature = %v, want within 2 of 72.5", temp)
	}
	if got := a.Telemetry.Readings[ReadingGasResistance]; got != 15.3 {
		t.Errorf("gas_resistance = %v, want 15.3", got)
	}
	if a.Telemetry.Location != "Test Location" {
		t.Errorf("location = %q, want Test Location", a.Telemetry.Location)
	}
	if !a.CaptureTimestamp.Equal(testNow) {
		t.Errorf("capture timestamp = %v, want %v", a.CaptureTimestamp, testNow)
	}

	// readings are snapshots
	a.Telemetry.Readings[ReadingTemperature] = 0
	if s.Next().Telemetry.Readings[ReadingTemperature] == 0 {
		t.Error("generator state shared with returned readings")
	}
}

func TestSynthetic_Backlog(t *testing.T) {
	s, _ := newTestSynthetic(t)

	backlog := s.Backlog(3)
	if len(backlog) != 3 {
		t.Fatalf("backlog = %d, want 3", len(backlog))
	}
	seen := map[string]bool{}
	for _, src := range backlog {
		a, err := src.Load(t.Context())
		if err != nil {
			t.Fatalf("Load() = %v", err)
		}
		if a.Name != src.Name() {
			t.Errorf("Load name %q != Name() %q", a.Name, src.Name())
		}
		seen[a.Name] = true
	}
	if len(seen) != 3 {
		t.Errorf("distinct names = %d, want 3", len(seen))
	}
}

func TestSynthetic_LazySourceStable(t *testing.T) {
	s, _ := newTestSynthetic(t)
	src := s.Source()

	a, err := src.Load(t.Context())
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	b, _ := src.Load(t.Context())
	if a.Name != b.Name || !bytes.Equal(a.Data, b.Data) {
		t.Error("lazy source captured twice")
	}
}

func TestNewSynthetic_Validation(t *testing.T) {
	if _, err := NewSynthetic(SyntheticConfig{MinSize: 2, MaxSize: 10}); err == nil {
		t.Error("expected error for min size below framing")
	}
	if _, err := NewSynthetic(SyntheticConfig{MinSize: 100, MaxSize: 50}); err == nil {
		t.Error("expected error for max below min")
	}
}
