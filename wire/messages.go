package wire

import (
	"fmt"
	"time"

	"github.com/pithecene-io/shutter/types"
)

// Wire field names. These match the device firmware.
const (
	keySourceID         = "device_id"
	keyArtifactName     = "image_name"
	keyCaptureTimestamp = "capture_timestamp"
	keyTotalSize        = "image_size"
	keyChunkSize        = "max_chunk_size"
	keyTotalChunks      = "total_chunk_count"
	keyTotalChunksAlt   = "total_chunks_count"
	keyLocation         = "location"
	keyError            = "error"
	keyChunkIndex       = "chunk_id"
	keyPayload          = "payload"
)

// reservedKeys are metadata fields that are never telemetry readings.
var reservedKeys = map[string]struct{}{
	keySourceID:         {},
	keyArtifactName:     {},
	keyCaptureTimestamp: {},
	keyTotalSize:        {},
	keyChunkSize:        {},
	keyTotalChunks:      {},
	keyTotalChunksAlt:   {},
	keyLocation:         {},
	keyError:            {},
	keyChunkIndex:       {},
	keyPayload:          {},
}

// chunkMessage is the encoded shape of a chunk. JSON renders the payload
// as base64; msgpack renders it as bin.
type chunkMessage struct {
	SourceID     string `json:"device_id" msgpack:"device_id"`
	ArtifactName string `json:"image_name" msgpack:"image_name"`
	Index        int    `json:"chunk_id" msgpack:"chunk_id"`
	ChunkSize    int    `json:"max_chunk_size" msgpack:"max_chunk_size"`
	Payload      []byte `json:"payload" msgpack:"payload"`
}

type statusMessage struct {
	SourceID     string `json:"device_id" msgpack:"device_id"`
	Status       string `json:"status" msgpack:"status"`
	PendingCount int    `json:"pendingImg" msgpack:"pendingImg"`
}

type ackOKMessage struct {
	NextWakeTime string `json:"next_wake_time" msgpack:"next_wake_time"`
}

type ackMessage struct {
	ArtifactName  string        `json:"image_name,omitempty" msgpack:"image_name,omitempty"`
	MissingChunks []int         `json:"missing_chunks,omitempty" msgpack:"missing_chunks,omitempty"`
	OK            *ackOKMessage `json:"ACK_OK,omitempty" msgpack:"ACK_OK,omitempty"`
}

type commandMessage struct {
	CaptureImage *bool   `json:"capture_image,omitempty" msgpack:"capture_image,omitempty"`
	SendImage    *string `json:"send_image,omitempty" msgpack:"send_image,omitempty"`
	NextWake     *string `json:"next_wake,omitempty" msgpack:"next_wake,omitempty"`
}

// --- Chunks ---

// EncodeChunk encodes a chunk. It fails only for chunks that violate their
// own declared bounds (negative index, payload larger than the chunk size).
func EncodeChunk(codec Codec, c types.Chunk) ([]byte, error) {
	if err := c.ID.Validate(); err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}
	if c.Index < 0 {
		return nil, fmt.Errorf("encode chunk %s: negative index %d", c.ID, c.Index)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("encode chunk %s: chunk size %d out of range (1..%d)", c.ID, c.ChunkSize, MaxChunkSize)
	}
	if len(c.Data) > c.ChunkSize {
		return nil, fmt.Errorf("encode chunk %s: payload %d exceeds chunk size %d", c.ID, len(c.Data), c.ChunkSize)
	}

	data := c.Data
	if data == nil {
		data = []byte{}
	}
	return codec.Marshal(chunkMessage{
		SourceID:     c.ID.SourceID,
		ArtifactName: c.ID.ArtifactName,
		Index:        c.Index,
		ChunkSize:    c.ChunkSize,
		Payload:      data,
	})
}

// DecodeChunk decodes a chunk message.
//
// Errors (all match ErrMalformedMessage):
//   - unparsable payload
//   - missing device_id, image_name, chunk_id, max_chunk_size or payload
//   - non-numeric or negative chunk_id
//   - payload longer than max_chunk_size
func DecodeChunk(codec Codec, payload []byte) (*types.Chunk, error) {
	doc, err := decodeDocument(codec, payload, "chunk")
	if err != nil {
		return nil, err
	}
	return chunkFromDocument(doc)
}

func chunkFromDocument(doc document) (*types.Chunk, error) {
	source, err := doc.requiredString(keySourceID)
	if err != nil {
		return nil, err
	}
	name, err := doc.requiredString(keyArtifactName)
	if err != nil {
		return nil, err
	}
	index, err := doc.requiredInteger(keyChunkIndex)
	if err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, schemaError("negative %s %d", keyChunkIndex, index)
	}
	chunkSize, err := doc.requiredInteger(keyChunkSize)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return nil, schemaError("%s %d out of range (1..%d)", keyChunkSize, chunkSize, MaxChunkSize)
	}
	data, err := doc.payload(keyPayload)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > chunkSize {
		return nil, schemaError("payload %d bytes exceeds %s %d", len(data), keyChunkSize, chunkSize)
	}

	return &types.Chunk{
		ID:        types.Identity{SourceID: source, ArtifactName: name},
		Index:     int(index),
		ChunkSize: int(chunkSize),
		Data:      data,
	}, nil
}

// --- Metadata ---

// EncodeMetadata encodes artifact metadata. Telemetry readings are
// flattened into top-level numeric fields.
func EncodeMetadata(codec Codec, m types.Metadata) ([]byte, error) {
	if err := m.ID.Validate(); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if m.ChunkSize <= 0 {
		return nil, fmt.Errorf("encode metadata %s: chunk size must be positive, got %d", m.ID, m.ChunkSize)
	}
	if m.TotalSize < 0 || m.TotalChunks < 0 {
		return nil, fmt.Errorf("encode metadata %s: negative size or chunk count", m.ID)
	}

	doc := map[string]any{
		keySourceID:     m.ID.SourceID,
		keyArtifactName: m.ID.ArtifactName,
		keyTotalSize:    m.TotalSize,
		keyChunkSize:    m.ChunkSize,
		keyTotalChunks:  m.TotalChunks,
		keyError:        m.Error,
	}
	if !m.CaptureTimestamp.IsZero() {
		doc[keyCaptureTimestamp] = m.CaptureTimestamp.UTC().Format(time.RFC3339Nano)
	}
	if m.Telemetry.Location != "" {
		doc[keyLocation] = m.Telemetry.Location
	}
	for k, v := range m.Telemetry.Readings {
		if _, reserved := reservedKeys[k]; reserved {
			return nil, fmt.Errorf("encode metadata %s: telemetry key %q collides with a protocol field", m.ID, k)
		}
		doc[k] = v
	}
	return codec.Marshal(doc)
}

// DecodeMetadata decodes an artifact metadata message. Both the
// total_chunk_count and total_chunks_count spellings are accepted.
func DecodeMetadata(codec Codec, payload []byte) (*types.Metadata, error) {
	doc, err := decodeDocument(codec, payload, "metadata")
	if err != nil {
		return nil, err
	}
	return metadataFromDocument(doc)
}

func metadataFromDocument(doc document) (*types.Metadata, error) {
	source, err := doc.requiredString(keySourceID)
	if err != nil {
		return nil, err
	}
	name, err := doc.requiredString(keyArtifactName)
	if err != nil {
		return nil, err
	}
	size, err := doc.requiredInteger(keyTotalSize)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, schemaError("negative %s %d", keyTotalSize, size)
	}
	chunkSize, err := doc.requiredInteger(keyChunkSize)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return nil, schemaError("%s %d out of range (1..%d)", keyChunkSize, chunkSize, MaxChunkSize)
	}

	total, present, err := doc.integer(keyTotalChunks)
	if err != nil {
		return nil, err
	}
	if !present {
		total, err = doc.requiredInteger(keyTotalChunksAlt)
		if err != nil {
			return nil, schemaError("missing field %q", keyTotalChunks)
		}
	}
	if total < 0 {
		return nil, schemaError("negative %s %d", keyTotalChunks, total)
	}

	errCode, _, err := doc.integer(keyError)
	if err != nil {
		return nil, err
	}
	location, err := doc.optionalString(keyLocation)
	if err != nil {
		return nil, err
	}
	ts, err := doc.optionalString(keyCaptureTimestamp)
	if err != nil {
		return nil, err
	}

	meta := &types.Metadata{
		ID:               types.Identity{SourceID: source, ArtifactName: name},
		CaptureTimestamp: parseTimestamp(ts),
		TotalSize:        size,
		ChunkSize:        int(chunkSize),
		TotalChunks:      int(total),
		Telemetry:        types.Telemetry{Location: location},
		Error:            int(errCode),
	}
	for k, v := range doc {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		if f, ok := toFloat64(v); ok {
			if meta.Telemetry.Readings == nil {
				meta.Telemetry.Readings = make(map[string]float64)
			}
			meta.Telemetry.Readings[k] = f
		}
	}
	return meta, nil
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds.
// Unparsable timestamps are informational only and decode as zero.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

// --- Data topic discrimination ---

// DecodeData decodes a message from the shared data channel and returns
// either *types.Metadata or *types.Chunk. A message carrying chunk_id is a
// chunk; one carrying a total chunk count is metadata.
func DecodeData(codec Codec, payload []byte) (any, error) {
	doc, err := decodeDocument(codec, payload, "data message")
	if err != nil {
		return nil, err
	}

	switch {
	case doc.has(keyChunkIndex):
		return chunkFromDocument(doc)
	case doc.has(keyTotalChunks) || doc.has(keyTotalChunksAlt):
		return metadataFromDocument(doc)
	default:
		return nil, &DecodeError{
			Kind: DecodeErrorUnknown,
			Msg:  "data message has neither chunk_id nor total_chunk_count",
		}
	}
}

// --- Status ---

// EncodeStatus encodes a status heartbeat.
func EncodeStatus(codec Codec, s types.Status) ([]byte, error) {
	if s.SourceID == "" {
		return nil, fmt.Errorf("encode status: source_id is required")
	}
	if s.PendingCount < 0 {
		return nil, fmt.Errorf("encode status: negative pending count %d", s.PendingCount)
	}
	status := s.Status
	if status == "" {
		status = types.StatusAlive
	}
	return codec.Marshal(statusMessage{SourceID: s.SourceID, Status: status, PendingCount: s.PendingCount})
}

// DecodeStatus decodes a status heartbeat.
func DecodeStatus(codec Codec, payload []byte) (*types.Status, error) {
	var m statusMessage
	if err := codec.Unmarshal(payload, &m); err != nil {
		return nil, syntaxError("failed to decode status", err)
	}
	if m.SourceID == "" {
		return nil, schemaError("missing field %q", keySourceID)
	}
	if m.Status == "" {
		return nil, schemaError("missing field %q", "status")
	}
	if m.PendingCount < 0 {
		return nil, schemaError("negative pendingImg %d", m.PendingCount)
	}
	return &types.Status{SourceID: m.SourceID, Status: m.Status, PendingCount: m.PendingCount}, nil
}

// --- Acknowledgments ---

// EncodeAck encodes an acknowledgment. Exactly one of MissingChunks
// (non-empty) or OK must be set.
func EncodeAck(codec Codec, a types.Ack) ([]byte, error) {
	hasMissing := len(a.MissingChunks) > 0
	switch {
	case hasMissing && a.OK != nil:
		return nil, fmt.Errorf("encode ack: both missing_chunks and ACK_OK set")
	case !hasMissing && a.OK == nil:
		return nil, fmt.Errorf("encode ack: neither missing_chunks nor ACK_OK set")
	}

	m := ackMessage{ArtifactName: a.ArtifactName}
	if a.OK != nil {
		m.OK = &ackOKMessage{NextWakeTime: a.OK.NextWakeTime}
	} else {
		m.MissingChunks = a.MissingChunks
	}
	return codec.Marshal(m)
}

// DecodeAck decodes an acknowledgment. ACK_OK wins when both forms appear.
func DecodeAck(codec Codec, payload []byte) (*types.Ack, error) {
	var m ackMessage
	if err := codec.Unmarshal(payload, &m); err != nil {
		return nil, syntaxError("failed to decode ack", err)
	}
	if m.OK != nil {
		return &types.Ack{
			ArtifactName: m.ArtifactName,
			OK:           &types.AckOK{NextWakeTime: m.OK.NextWakeTime},
		}, nil
	}
	if m.MissingChunks == nil {
		return nil, schemaError("ack has neither missing_chunks nor ACK_OK")
	}
	for _, idx := range m.MissingChunks {
		if idx < 0 {
			return nil, schemaError("negative index %d in missing_chunks", idx)
		}
	}
	return &types.Ack{ArtifactName: m.ArtifactName, MissingChunks: m.MissingChunks}, nil
}

// --- Commands ---

// EncodeCommand encodes a server-to-source command.
func EncodeCommand(codec Codec, c types.Command) ([]byte, error) {
	var m commandMessage
	switch c.Kind {
	case types.CommandCaptureImage:
		yes := true
		m.CaptureImage = &yes
	case types.CommandSendImage:
		if c.ArtifactName == "" {
			return nil, fmt.Errorf("encode command: send_image requires an artifact name")
		}
		name := c.ArtifactName
		m.SendImage = &name
	case types.CommandNextWake:
		if c.NextWake == "" {
			return nil, fmt.Errorf("encode command: next_wake requires a timestamp")
		}
		wake := c.NextWake
		m.NextWake = &wake
	default:
		return nil, fmt.Errorf("encode command: unknown kind %q", c.Kind)
	}
	return codec.Marshal(m)
}

// DecodeCommand decodes a server-to-source command.
func DecodeCommand(codec Codec, payload []byte) (*types.Command, error) {
	var m commandMessage
	if err := codec.Unmarshal(payload, &m); err != nil {
		return nil, syntaxError("failed to decode command", err)
	}
	switch {
	case m.CaptureImage != nil && *m.CaptureImage:
		return &types.Command{Kind: types.CommandCaptureImage}, nil
	case m.SendImage != nil && *m.SendImage != "":
		return &types.Command{Kind: types.CommandSendImage, ArtifactName: *m.SendImage}, nil
	case m.NextWake != nil && *m.NextWake != "":
		return &types.Command{Kind: types.CommandNextWake, NextWake: *m.NextWake}, nil
	default:
		return nil, schemaError("command has no recognized directive")
	}
}
