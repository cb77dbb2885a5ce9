//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"time"
)

// Identity names one artifact transfer: the originating source plus the
// artifact name. It is comparable and is used directly as a map key.
type Identity struct {
	// SourceID identifies the originating device.
	SourceID string
	// ArtifactName is unique per source at a given time.
	ArtifactName string
}

// String returns "source/name" for logs and error messages.
func (id Identity) String() string {
	return id.SourceID + "/" + id.ArtifactName
}

// Validate checks that both halves of the identity are present.
func (id Identity) Validate() error {
	if id.SourceID == "" {
		return fmt.Errorf("identity: source_id is required")
	}
	if id.ArtifactName == "" {
		return fmt.Errorf("identity: artifact_name is required")
	}
	return nil
}

// Telemetry is the auxiliary sensor bag carried with metadata.
// It has no bearing on reassembly.
type Telemetry struct {
	// Readings holds numeric sensor values keyed by name
	// (temperature, humidity, pressure, gas_resistance, ...).
	Readings map[string]float64
	// Location is a free-form location label.
	Location string
}

// Metadata describes an artifact before its chunks are streamed.
type Metadata struct {
	ID               Identity
	CaptureTimestamp time.Time
	// TotalSize is the artifact length in bytes.
	TotalSize int64
	// ChunkSize is the sender-chosen chunk size in bytes.
	ChunkSize int
	// TotalChunks is the authoritative chunk count for completeness checks.
	TotalChunks int
	Telemetry   Telemetry
	// Error is the capture error code reported by the device (0 = ok).
	Error int
}

// Chunk is one fragment of an artifact, addressed by index.
type Chunk struct {
	ID        Identity
	Index     int
	ChunkSize int
	Data      []byte
}

// ChunkCount returns ceil(size / chunkSize).
// Returns 0 when either argument is not positive.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}
