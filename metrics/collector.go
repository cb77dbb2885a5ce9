// Package metrics provides per-process transfer counters.
//
// The Collector accumulates counters for one receiver or device process.
// It is a leaf package with no internal dependencies.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Receiver: inbound messages
	DecodeErrors     int64 `json:"decode_errors"`
	MetadataReceived int64 `json:"metadata_received"`
	ChunksAccepted   int64 `json:"chunks_accepted"`
	ChunksRejected   int64 `json:"chunks_rejected"`
	ChunksLate       int64 `json:"chunks_late"`
	InconsistentMeta int64 `json:"inconsistent_metadata"`
	StatusReceived   int64 `json:"status_received"`
	PendingAnnounced int64 `json:"pending_announced"`

	// Receiver: reassembly outcomes
	ArtifactsCompleted int64 `json:"artifacts_completed"`
	ArtifactsAbandoned int64 `json:"artifacts_abandoned"`
	IdleEvictions      int64 `json:"idle_evictions"`
	SizeMismatches     int64 `json:"size_mismatches"`
	MissingRequests    int64 `json:"missing_requests"`
	AcksSent           int64 `json:"acks_sent"`
	AckFailures        int64 `json:"ack_failures"`

	// Storage
	StoreWriteSuccess int64 `json:"store_write_success"`
	StoreWriteFailure int64 `json:"store_write_failure"`

	// Sender
	ChunksSent           int64 `json:"chunks_sent"`
	ChunksResent         int64 `json:"chunks_resent"`
	SessionsAcknowledged int64 `json:"sessions_acknowledged"`
	SessionsAbandoned    int64 `json:"sessions_abandoned"`
	CommandsReceived     int64 `json:"commands_received"`

	// Dimensions (informational, set at construction)
	Role           string `json:"role"`
	Codec          string `json:"codec"`
	Transport      string `json:"transport"`
	StorageBackend string `json:"storage_backend,omitempty"`
}

// Collector accumulates transfer counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
// storageBackend may be empty for device processes.
func NewCollector(role, codec, transport, storageBackend string) *Collector {
	return &Collector{s: Snapshot{
		Role:           role,
		Codec:          codec,
		Transport:      transport,
		StorageBackend: storageBackend,
	}}
}

// inc applies fn under the lock. Nil-receiver safe.
func (c *Collector) inc(fn func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

// --- Receiver: inbound ---

// IncDecodeErrors records a malformed inbound message.
func (c *Collector) IncDecodeErrors() { c.inc(func(s *Snapshot) { s.DecodeErrors++ }) }

// IncMetadataReceived records an accepted metadata message.
func (c *Collector) IncMetadataReceived() { c.inc(func(s *Snapshot) { s.MetadataReceived++ }) }

// IncChunkAccepted records a chunk stored in a buffer.
func (c *Collector) IncChunkAccepted() { c.inc(func(s *Snapshot) { s.ChunksAccepted++ }) }

// IncChunkRejected records a chunk rejected as out of range.
func (c *Collector) IncChunkRejected() { c.inc(func(s *Snapshot) { s.ChunksRejected++ }) }

// IncChunkLate records a chunk for an artifact that already completed.
func (c *Collector) IncChunkLate() { c.inc(func(s *Snapshot) { s.ChunksLate++ }) }

// IncInconsistentMetadata records a metadata redefinition mid-transfer.
func (c *Collector) IncInconsistentMetadata() { c.inc(func(s *Snapshot) { s.InconsistentMeta++ }) }

// AddStatus records a status heartbeat and the backlog size it announced.
func (c *Collector) AddStatus(pending int) {
	c.inc(func(s *Snapshot) {
		s.StatusReceived++
		s.PendingAnnounced += int64(pending)
	})
}

// --- Receiver: outcomes ---

// IncArtifactCompleted records a verified, persisted artifact.
func (c *Collector) IncArtifactCompleted() { c.inc(func(s *Snapshot) { s.ArtifactsCompleted++ }) }

// IncArtifactAbandoned records a buffer abandoned after its retry budget.
func (c *Collector) IncArtifactAbandoned() { c.inc(func(s *Snapshot) { s.ArtifactsAbandoned++ }) }

// IncIdleEviction records a metadata-less buffer evicted as junk.
func (c *Collector) IncIdleEviction() { c.inc(func(s *Snapshot) { s.IdleEvictions++ }) }

// IncSizeMismatch records an assembled artifact whose length disagreed with its metadata.
func (c *Collector) IncSizeMismatch() { c.inc(func(s *Snapshot) { s.SizeMismatches++ }) }

// IncMissingRequest records a missing-chunk notice sent to a source.
func (c *Collector) IncMissingRequest() { c.inc(func(s *Snapshot) { s.MissingRequests++ }) }

// IncAckSent records an acknowledgment published successfully.
func (c *Collector) IncAckSent() { c.inc(func(s *Snapshot) { s.AcksSent++ }) }

// IncAckFailure records an acknowledgment that could not be published.
func (c *Collector) IncAckFailure() { c.inc(func(s *Snapshot) { s.AckFailures++ }) }

// --- Storage ---
// Storage counters are per Persist call.

// IncStoreWriteSuccess records a successful artifact write.
func (c *Collector) IncStoreWriteSuccess() { c.inc(func(s *Snapshot) { s.StoreWriteSuccess++ }) }

// IncStoreWriteFailure records a failed artifact write.
func (c *Collector) IncStoreWriteFailure() { c.inc(func(s *Snapshot) { s.StoreWriteFailure++ }) }

// --- Sender ---

// AddChunksSent records first-pass chunk publishes.
func (c *Collector) AddChunksSent(n int) { c.inc(func(s *Snapshot) { s.ChunksSent += int64(n) }) }

// AddChunksResent records chunks resent in response to a missing notice.
func (c *Collector) AddChunksResent(n int) { c.inc(func(s *Snapshot) { s.ChunksResent += int64(n) }) }

// IncSessionAcknowledged records a session that reached Acknowledged.
func (c *Collector) IncSessionAcknowledged() { c.inc(func(s *Snapshot) { s.SessionsAcknowledged++ }) }

// IncSessionAbandoned records a session that reached Abandoned.
func (c *Collector) IncSessionAbandoned() { c.inc(func(s *Snapshot) { s.SessionsAbandoned++ }) }

// IncCommandReceived records an out-of-band command.
func (c *Collector) IncCommandReceived() { c.inc(func(s *Snapshot) { s.CommandsReceived++ }) }

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
