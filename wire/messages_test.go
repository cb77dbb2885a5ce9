package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/shutter/types"
)

var codecs = []Codec{JSON, Msgpack}

func testChunk() types.Chunk {
	return types.Chunk{
		ID:        types.Identity{SourceID: "B8F862F9CFB8", ArtifactName: "image_1.jpg"},
		Index:     2,
		ChunkSize: 8,
		Data:      []byte{0xFF, 0xD8, 0x00, 0x7F},
	}
}

func TestChunk_RoundTrip(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			want := testChunk()
			payload, err := EncodeChunk(codec, want)
			if err != nil {
				t.Fatalf("EncodeChunk: %v", err)
			}
			got, err := DecodeChunk(codec, payload)
			if err != nil {
				t.Fatalf("DecodeChunk: %v", err)
			}
			if got.ID != want.ID {
				t.Errorf("ID = %v, want %v", got.ID, want.ID)
			}
			if got.Index != want.Index {
				t.Errorf("Index = %d, want %d", got.Index, want.Index)
			}
			if got.ChunkSize != want.ChunkSize {
				t.Errorf("ChunkSize = %d, want %d", got.ChunkSize, want.ChunkSize)
			}
			if !bytes.Equal(got.Data, want.Data) {
				t.Errorf("Data = %v, want %v", got.Data, want.Data)
			}
		})
	}
}

func TestEncodeChunk_JSONUsesBase64(t *testing.T) {
	payload, err := EncodeChunk(JSON, testChunk())
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["payload"] != "/9gAfw==" {
		t.Errorf("payload = %v, want base64 %q", raw["payload"], "/9gAfw==")
	}
	if raw["chunk_id"] != float64(2) {
		t.Errorf("chunk_id = %v, want 2", raw["chunk_id"])
	}
}

func TestDecodeChunk_ByteArrayPayload(t *testing.T) {
	// Device firmware sends the payload as a list of byte values.
	payload := []byte(`{"device_id":"dev","image_name":"a.jpg","chunk_id":0,"max_chunk_size":8192,"payload":[255,216,255,224]}`)
	got, err := DecodeChunk(JSON, payload)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if !bytes.Equal(got.Data, []byte{0xFF, 0xD8, 0xFF, 0xE0}) {
		t.Errorf("Data = %v, want JPEG magic", got.Data)
	}
}

func TestEncodeChunk_EmptyData(t *testing.T) {
	c := testChunk()
	c.Data = nil
	payload, err := EncodeChunk(JSON, c)
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	got, err := DecodeChunk(JSON, payload)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if len(got.Data) != 0 {
		t.Errorf("len(Data) = %d, want 0", len(got.Data))
	}
}

func TestEncodeChunk_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *types.Chunk)
	}{
		{"negative index", func(c *types.Chunk) { c.Index = -1 }},
		{"zero chunk size", func(c *types.Chunk) { c.ChunkSize = 0 }},
		{"payload exceeds chunk size", func(c *types.Chunk) { c.ChunkSize = 2 }},
		{"missing source", func(c *types.Chunk) { c.ID.SourceID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testChunk()
			tt.mutate(&c)
			if _, err := EncodeChunk(JSON, c); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeChunk_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    DecodeErrorKind
	}{
		{"not json", `{"device_id":`, DecodeErrorSyntax},
		{"array", `[1,2,3]`, DecodeErrorSyntax},
		{"null", `null`, DecodeErrorSchema},
		{"missing chunk_id", `{"device_id":"d","image_name":"n","max_chunk_size":4,"payload":""}`, DecodeErrorSchema},
		{"string chunk_id", `{"device_id":"d","image_name":"n","chunk_id":"3","max_chunk_size":4,"payload":""}`, DecodeErrorSchema},
		{"fractional chunk_id", `{"device_id":"d","image_name":"n","chunk_id":1.5,"max_chunk_size":4,"payload":""}`, DecodeErrorSchema},
		{"negative chunk_id", `{"device_id":"d","image_name":"n","chunk_id":-1,"max_chunk_size":4,"payload":""}`, DecodeErrorSchema},
		{"missing device", `{"image_name":"n","chunk_id":0,"max_chunk_size":4,"payload":""}`, DecodeErrorSchema},
		{"missing payload", `{"device_id":"d","image_name":"n","chunk_id":0,"max_chunk_size":4}`, DecodeErrorSchema},
		{"bad base64", `{"device_id":"d","image_name":"n","chunk_id":0,"max_chunk_size":4,"payload":"!!"}`, DecodeErrorSchema},
		{"byte out of range", `{"device_id":"d","image_name":"n","chunk_id":0,"max_chunk_size":4,"payload":[1,256]}`, DecodeErrorSchema},
		{"oversized payload", `{"device_id":"d","image_name":"n","chunk_id":0,"max_chunk_size":2,"payload":[1,2,3]}`, DecodeErrorSchema},
		{"missing chunk size", `{"device_id":"d","image_name":"n","chunk_id":0,"payload":""}`, DecodeErrorSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChunk(JSON, []byte(tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("errors.Is(err, ErrMalformedMessage) = false for %v", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error type = %T, want *DecodeError", err)
			}
			if de.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v (%v)", de.Kind, tt.kind, err)
			}
		})
	}
}

func testMetadata() types.Metadata {
	return types.Metadata{
		ID:               types.Identity{SourceID: "TEST-ESP32-001", ArtifactName: "img_1"},
		CaptureTimestamp: time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
		TotalSize:        20000,
		ChunkSize:        8192,
		TotalChunks:      3,
		Telemetry: types.Telemetry{
			Readings: map[string]float64{"temperature": 72.5, "humidity": 45.2, "pressure": 1013.25, "gas_resistance": 15.3},
			Location: "Test Location",
		},
	}
}

func TestMetadata_RoundTrip(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			want := testMetadata()
			payload, err := EncodeMetadata(codec, want)
			if err != nil {
				t.Fatalf("EncodeMetadata: %v", err)
			}
			got, err := DecodeMetadata(codec, payload)
			if err != nil {
				t.Fatalf("DecodeMetadata: %v", err)
			}
			if got.ID != want.ID {
				t.Errorf("ID = %v, want %v", got.ID, want.ID)
			}
			if got.TotalSize != want.TotalSize || got.ChunkSize != want.ChunkSize || got.TotalChunks != want.TotalChunks {
				t.Errorf("sizes = (%d, %d, %d), want (%d, %d, %d)",
					got.TotalSize, got.ChunkSize, got.TotalChunks, want.TotalSize, want.ChunkSize, want.TotalChunks)
			}
			if !got.CaptureTimestamp.Equal(want.CaptureTimestamp) {
				t.Errorf("CaptureTimestamp = %v, want %v", got.CaptureTimestamp, want.CaptureTimestamp)
			}
			if got.Telemetry.Location != "Test Location" {
				t.Errorf("Location = %q, want %q", got.Telemetry.Location, "Test Location")
			}
			for k, v := range want.Telemetry.Readings {
				if got.Telemetry.Readings[k] != v {
					t.Errorf("Readings[%s] = %v, want %v", k, got.Telemetry.Readings[k], v)
				}
			}
			if len(got.Telemetry.Readings) != len(want.Telemetry.Readings) {
				t.Errorf("len(Readings) = %d, want %d", len(got.Telemetry.Readings), len(want.Telemetry.Readings))
			}
		})
	}
}

func TestEncodeMetadata_FlattensTelemetry(t *testing.T) {
	payload, err := EncodeMetadata(JSON, testMetadata())
	if err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"device_id", "image_name", "image_size", "max_chunk_size", "total_chunk_count", "temperature", "location", "error"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing top-level key %q in %s", key, payload)
		}
	}
}

func TestEncodeMetadata_ReservedTelemetryKey(t *testing.T) {
	m := testMetadata()
	m.Telemetry.Readings["image_size"] = 1
	if _, err := EncodeMetadata(JSON, m); err == nil {
		t.Fatal("expected error for telemetry key colliding with protocol field")
	}
}

func TestDecodeMetadata_DeviceSpelling(t *testing.T) {
	payload := []byte(`{"device_id":"TEST-ESP32-001","capture_timestamp":"2026-03-01T08:30:00.123456Z",
		"image_name":"image_1.jpg","image_size":45000,"max_chunk_size":8192,"total_chunks_count":6,
		"location":"Test Location","error":0,"temperature":72.5,"humidity":45.2,"pressure":1013.25,"gas_resistance":15.3}`)
	got, err := DecodeMetadata(JSON, payload)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if got.TotalChunks != 6 {
		t.Errorf("TotalChunks = %d, want 6", got.TotalChunks)
	}
	if got.CaptureTimestamp.IsZero() {
		t.Error("CaptureTimestamp not parsed")
	}
	if got.Telemetry.Readings["gas_resistance"] != 15.3 {
		t.Errorf("gas_resistance = %v, want 15.3", got.Telemetry.Readings["gas_resistance"])
	}
}

func TestDecodeMetadata_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing total", `{"device_id":"d","image_name":"n","image_size":10,"max_chunk_size":4}`},
		{"negative size", `{"device_id":"d","image_name":"n","image_size":-1,"max_chunk_size":4,"total_chunk_count":0}`},
		{"zero chunk size", `{"device_id":"d","image_name":"n","image_size":10,"max_chunk_size":0,"total_chunk_count":3}`},
		{"string total", `{"device_id":"d","image_name":"n","image_size":10,"max_chunk_size":4,"total_chunk_count":"3"}`},
		{"numeric location", `{"device_id":"d","image_name":"n","image_size":10,"max_chunk_size":4,"total_chunk_count":3,"location":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMetadata(JSON, []byte(tt.payload)); !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("err = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

func TestDecodeData_Discrimination(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			metaPayload, err := EncodeMetadata(codec, testMetadata())
			if err != nil {
				t.Fatalf("EncodeMetadata: %v", err)
			}
			chunkPayload, err := EncodeChunk(codec, testChunk())
			if err != nil {
				t.Fatalf("EncodeChunk: %v", err)
			}

			v, err := DecodeData(codec, metaPayload)
			if err != nil {
				t.Fatalf("DecodeData(metadata): %v", err)
			}
			if _, ok := v.(*types.Metadata); !ok {
				t.Errorf("DecodeData(metadata) type = %T, want *types.Metadata", v)
			}

			v, err = DecodeData(codec, chunkPayload)
			if err != nil {
				t.Fatalf("DecodeData(chunk): %v", err)
			}
			if _, ok := v.(*types.Chunk); !ok {
				t.Errorf("DecodeData(chunk) type = %T, want *types.Chunk", v)
			}
		})
	}
}

func TestDecodeData_Unknown(t *testing.T) {
	_, err := DecodeData(JSON, []byte(`{"device_id":"d","image_name":"n"}`))
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != DecodeErrorUnknown {
		t.Fatalf("err = %v, want DecodeErrorUnknown", err)
	}
}

func TestStatus_RoundTrip(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			payload, err := EncodeStatus(codec, types.Status{SourceID: "dev-1", PendingCount: 3})
			if err != nil {
				t.Fatalf("EncodeStatus: %v", err)
			}
			got, err := DecodeStatus(codec, payload)
			if err != nil {
				t.Fatalf("DecodeStatus: %v", err)
			}
			if got.SourceID != "dev-1" || got.Status != types.StatusAlive || got.PendingCount != 3 {
				t.Errorf("status = %+v, want dev-1/alive/3", got)
			}
		})
	}
}

func TestStatus_WireShape(t *testing.T) {
	payload, err := EncodeStatus(JSON, types.Status{SourceID: "dev-1", PendingCount: 2})
	if err != nil {
		t.Fatalf("EncodeStatus: %v", err)
	}
	want := `{"device_id":"dev-1","status":"alive","pendingImg":2}`
	if string(payload) != want {
		t.Errorf("payload = %s, want %s", payload, want)
	}
}

func TestAck_RoundTrip(t *testing.T) {
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			payload, err := EncodeAck(codec, types.Ack{MissingChunks: []int{1, 4}})
			if err != nil {
				t.Fatalf("EncodeAck(missing): %v", err)
			}
			got, err := DecodeAck(codec, payload)
			if err != nil {
				t.Fatalf("DecodeAck(missing): %v", err)
			}
			if got.IsSuccess() || len(got.MissingChunks) != 2 || got.MissingChunks[1] != 4 {
				t.Errorf("ack = %+v, want missing [1 4]", got)
			}

			payload, err = EncodeAck(codec, types.Ack{ArtifactName: "img_1", OK: &types.AckOK{NextWakeTime: "2026-03-01T09:30:00Z"}})
			if err != nil {
				t.Fatalf("EncodeAck(ok): %v", err)
			}
			got, err = DecodeAck(codec, payload)
			if err != nil {
				t.Fatalf("DecodeAck(ok): %v", err)
			}
			if !got.IsSuccess() || got.OK.NextWakeTime != "2026-03-01T09:30:00Z" || got.ArtifactName != "img_1" {
				t.Errorf("ack = %+v, want ACK_OK for img_1", got)
			}
		})
	}
}

func TestAck_WireShape(t *testing.T) {
	payload, err := EncodeAck(JSON, types.Ack{OK: &types.AckOK{NextWakeTime: "t"}})
	if err != nil {
		t.Fatalf("EncodeAck: %v", err)
	}
	if string(payload) != `{"ACK_OK":{"next_wake_time":"t"}}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestEncodeAck_Invalid(t *testing.T) {
	if _, err := EncodeAck(JSON, types.Ack{}); err == nil {
		t.Error("expected error for empty ack")
	}
	if _, err := EncodeAck(JSON, types.Ack{MissingChunks: []int{1}, OK: &types.AckOK{}}); err == nil {
		t.Error("expected error for ambiguous ack")
	}
}

func TestDecodeAck_Malformed(t *testing.T) {
	for _, payload := range []string{`{}`, `{"missing_chunks":[-1]}`, `nope`} {
		if _, err := DecodeAck(JSON, []byte(payload)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("DecodeAck(%s) err = %v, want ErrMalformedMessage", payload, err)
		}
	}
}

func TestCommand_RoundTrip(t *testing.T) {
	cmds := []types.Command{
		{Kind: types.CommandCaptureImage},
		{Kind: types.CommandSendImage, ArtifactName: "image_42.jpg"},
		{Kind: types.CommandNextWake, NextWake: "2026-03-01T12:00:00Z"},
	}
	for _, codec := range codecs {
		for _, want := range cmds {
			t.Run(codec.Name()+"/"+string(want.Kind), func(t *testing.T) {
				payload, err := EncodeCommand(codec, want)
				if err != nil {
					t.Fatalf("EncodeCommand: %v", err)
				}
				got, err := DecodeCommand(codec, payload)
				if err != nil {
					t.Fatalf("DecodeCommand: %v", err)
				}
				if *got != want {
					t.Errorf("command = %+v, want %+v", *got, want)
				}
			})
		}
	}
}

func TestDecodeCommand_FalseCapture(t *testing.T) {
	_, err := DecodeCommand(JSON, []byte(`{"capture_image":false}`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{"": CodecJSON, "json": CodecJSON, "MSGPACK": CodecMsgpack} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if c.Name() != want {
			t.Errorf("ByName(%q).Name() = %q, want %q", name, c.Name(), want)
		}
	}
	_, err := ByName("cbor")
	if err == nil || !strings.Contains(err.Error(), "json or msgpack") {
		t.Errorf("ByName(cbor) err = %v", err)
	}
}
