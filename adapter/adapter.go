// Package adapter publishes terminal artifact events to downstream systems.
//
// The receiver owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/shutter/reassembly"
	"github.com/pithecene-io/shutter/types"
)

// Event types.
const (
	EventArtifactCompleted = "artifact_completed"
	EventArtifactAbandoned = "artifact_abandoned"
)

// ArtifactEvent is the payload published when a reassembly ends.
type ArtifactEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"`
	SourceID        string `json:"source_id"`
	ArtifactName    string `json:"artifact_name"`
	Outcome         string `json:"outcome"` // completed, abandoned
	SizeBytes       int64  `json:"size_bytes"`
	Chunks          int    `json:"chunks"`
	Missing         []int  `json:"missing,omitempty"`
	GraceCycles     int    `json:"grace_cycles"`
	StoragePath     string `json:"storage_path,omitempty"`
	Timestamp       string `json:"timestamp"` // ISO 8601
	DurationMs      int64  `json:"duration_ms"`
}

// NewArtifactEvent converts a reassembly event into its published form.
// storagePath may be empty, e.g. for abandoned artifacts.
func NewArtifactEvent(ev reassembly.Event, storagePath string) *ArtifactEvent {
	eventType := EventArtifactCompleted
	if ev.Outcome == reassembly.OutcomeAbandoned {
		eventType = EventArtifactAbandoned
	}
	return &ArtifactEvent{
		ContractVersion: types.ProtocolVersion,
		EventType:       eventType,
		SourceID:        ev.ID.SourceID,
		ArtifactName:    ev.ID.ArtifactName,
		Outcome:         string(ev.Outcome),
		SizeBytes:       ev.SizeBytes,
		Chunks:          ev.Chunks,
		Missing:         ev.Missing,
		GraceCycles:     ev.GraceCycles,
		StoragePath:     storagePath,
		Timestamp:       ev.At.UTC().Format(time.RFC3339),
		DurationMs:      ev.Duration.Milliseconds(),
	}
}

// Adapter publishes artifact events to a downstream system.
type Adapter interface {
	// Publish sends an artifact event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *ArtifactEvent) error

	// Close releases adapter resources.
	Close() error
}
