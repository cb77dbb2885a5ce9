// Package capture produces artifacts for a device to transfer: synthetic
// JPEG-framed frames for simulation and spooled files for backlog drains.
package capture

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/raulk/clock"

	"github.com/pithecene-io/shutter/transfer"
	"github.com/pithecene-io/shutter/types"
)

// JPEG start and end markers framing synthetic payloads.
var (
	jpegHeader  = []byte{0xFF, 0xD8, 0xFF, 0xE0}
	jpegTrailer = []byte{0xFF, 0xD9}
)

// Reading keys carried in synthetic telemetry.
const (
	ReadingTemperature   = "temperature"
	ReadingHumidity      = "humidity"
	ReadingPressure      = "pressure"
	ReadingGasResistance = "gas_resistance"
)

// SyntheticConfig bounds generated frames.
type SyntheticConfig struct {
	MinSize  int
	MaxSize  int
	Location string
	Seed     uint64
}

// DefaultSyntheticConfig matches a small camera module: 30-80 KB frames.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		MinSize:  30_000,
		MaxSize:  80_000,
		Location: "Test Location",
	}
}

// Synthetic generates random frames with slowly drifting sensor readings.
// It is safe for concurrent use.
type Synthetic struct {
	cfg   SyntheticConfig
	clock clock.Clock

	mu       sync.Mutex
	rng      *rand.Rand
	readings map[string]float64
	lastMs   int64
}

// SyntheticOption configures a Synthetic generator.
type SyntheticOption func(*Synthetic)

// WithSyntheticClock overrides the clock used for names and timestamps.
func WithSyntheticClock(c clock.Clock) SyntheticOption {
	return func(s *Synthetic) { s.clock = c }
}

// NewSynthetic creates a generator. A zero Seed picks a random one.
func NewSynthetic(cfg SyntheticConfig, opts ...SyntheticOption) (*Synthetic, error) {
	minSize := len(jpegHeader) + len(jpegTrailer) + 1
	if cfg.MinSize < minSize {
		return nil, fmt.Errorf("synthetic min size must be >= %d, got %d", minSize, cfg.MinSize)
	}
	if cfg.MaxSize < cfg.MinSize {
		return nil, fmt.Errorf("synthetic max size %d below min size %d", cfg.MaxSize, cfg.MinSize)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s := &Synthetic{
		cfg:   cfg,
		clock: clock.New(),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		readings: map[string]float64{
			ReadingTemperature:   72.5,
			ReadingHumidity:      45.2,
			ReadingPressure:      1013.25,
			ReadingGasResistance: 15.3,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next captures one frame. Names are image_<unix ms>.jpg and strictly
// increase even when two frames share a millisecond.
func (s *Synthetic) Next() transfer.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ms := now.UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs + 1
	}
	s.lastMs = ms

	size := s.cfg.MinSize + s.rng.IntN(s.cfg.MaxSize-s.cfg.MinSize+1)
	data := make([]byte, size)
	copy(data, jpegHeader)
	body := data[len(jpegHeader) : size-len(jpegTrailer)]
	for i := range body {
		body[i] = byte(s.rng.Uint32())
	}
	copy(data[size-len(jpegTrailer):], jpegTrailer)

	s.drift(ReadingTemperature, 2)
	s.drift(ReadingHumidity, 3)
	s.drift(ReadingPressure, 1)

	return transfer.Artifact{
		Name:             fmt.Sprintf("image_%d.jpg", ms),
		Data:             data,
		CaptureTimestamp: now.UTC(),
		Telemetry: types.Telemetry{
			Readings: s.snapshotReadings(),
			Location: s.cfg.Location,
		},
	}
}

// Backlog captures n frames up front, as a source that was offline.
func (s *Synthetic) Backlog(n int) []transfer.Source {
	out := make([]transfer.Source, n)
	for i := range out {
		out[i] = transfer.StaticSource(s.Next())
	}
	return out
}

// Source returns a backlog entry that captures lazily on Load.
func (s *Synthetic) Source() transfer.Source {
	return &lazyFrame{gen: s}
}

func (s *Synthetic) drift(key string, span float64) {
	s.readings[key] += (s.rng.Float64()*2 - 1) * span
}

func (s *Synthetic) snapshotReadings() map[string]float64 {
	out := make(map[string]float64, len(s.readings))
	for k, v := range s.readings {
		out[k] = round(v, 2)
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

type lazyFrame struct {
	gen  *Synthetic
	once sync.Once
	a    transfer.Artifact
}

func (f *lazyFrame) capture() {
	f.once.Do(func() { f.a = f.gen.Next() })
}

func (f *lazyFrame) Name() string {
	f.capture()
	return f.a.Name
}

func (f *lazyFrame) Load(ctx context.Context) (transfer.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return transfer.Artifact{}, err
	}
	f.capture()
	return f.a, nil
}
