package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/shutter/types"
)

// TelemetryDataset is the Lode dataset id for metadata telemetry.
const TelemetryDataset = "telemetry"

// RecordKindTelemetry tags telemetry records.
const RecordKindTelemetry = "telemetry"

// ErrNoTelemetry is returned when the dataset holds no records yet.
var ErrNoTelemetry = errors.New("no telemetry records found")

// TelemetryWriter appends the sensor readings carried by artifact metadata
// to a JSONL dataset partitioned by source and day.
type TelemetryWriter struct {
	dataset lode.Dataset
}

// NewTelemetryDataset creates the telemetry dataset over factory.
// Reads and writes share the same codec and layout.
func NewTelemetryDataset(factory lode.StoreFactory) (lode.Dataset, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(TelemetryDataset),
		factory,
		lode.WithHiveLayout("source", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, TelemetryDataset)
	}
	return ds, nil
}

// NewTelemetryWriter creates a writer over factory.
func NewTelemetryWriter(factory lode.StoreFactory) (*TelemetryWriter, error) {
	ds, err := NewTelemetryDataset(factory)
	if err != nil {
		return nil, err
	}
	return &TelemetryWriter{dataset: ds}, nil
}

// TelemetryRecord converts metadata into a dataset record.
func TelemetryRecord(meta types.Metadata, received time.Time) map[string]any {
	readings := make(map[string]any, len(meta.Telemetry.Readings))
	for k, v := range meta.Telemetry.Readings {
		readings[k] = v
	}
	record := map[string]any{
		"record_kind":  RecordKindTelemetry,
		"source":       meta.ID.SourceID,
		"day":          DeriveDay(received),
		"artifact":     meta.ID.ArtifactName,
		"size":         meta.TotalSize,
		"total_chunks": meta.TotalChunks,
		"location":     meta.Telemetry.Location,
		"error":        meta.Error,
		"received_at":  received.UTC().Format(time.RFC3339Nano),
		"readings":     readings,
	}
	if !meta.CaptureTimestamp.IsZero() {
		record["capture_timestamp"] = meta.CaptureTimestamp.UTC().Format(time.RFC3339Nano)
	}
	return record
}

// Write appends one record for meta.
func (w *TelemetryWriter) Write(ctx context.Context, meta types.Metadata, received time.Time) error {
	_, err := w.dataset.Write(ctx, []any{TelemetryRecord(meta, received)}, lode.Metadata{})
	return WrapWriteError(err, TelemetryDataset)
}

// Latest returns the newest record of every source.
func (w *TelemetryWriter) Latest(ctx context.Context) ([]map[string]any, error) {
	return LatestTelemetry(ctx, w.dataset, "")
}

// LatestTelemetry returns the newest telemetry record per source, ordered
// by source. A non-empty source restricts the result to that source.
func LatestTelemetry(ctx context.Context, ds lode.Dataset, source string) ([]map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, TelemetryDataset)
	}

	latest := make(map[string]map[string]any)
	// Snapshots are ordered by creation time; walk newest first.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/%s", TelemetryDataset, snap.ID))
		}
		for j := len(data) - 1; j >= 0; j-- {
			record, ok := data[j].(map[string]any)
			if !ok || record["record_kind"] != RecordKindTelemetry {
				continue
			}
			src, _ := record["source"].(string)
			if source != "" && src != source {
				continue
			}
			if _, seen := latest[src]; !seen {
				latest[src] = record
			}
		}
		if source != "" && len(latest) > 0 {
			break
		}
	}
	if len(latest) == 0 {
		return nil, ErrNoTelemetry
	}

	sources := slices.Sorted(maps.Keys(latest))
	out := make([]map[string]any, 0, len(sources))
	for _, src := range sources {
		out = append(out, latest[src])
	}
	return out, nil
}
