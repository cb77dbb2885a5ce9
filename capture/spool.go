package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pithecene-io/shutter/transfer"
	"github.com/pithecene-io/shutter/types"
)

// SidecarExt is appended to an artifact's file name to form its sidecar.
const SidecarExt = ".meta.json"

// ErrInvalidName is returned for artifact names that are not a single
// path element.
var ErrInvalidName = errors.New("invalid artifact name")

// sidecar is the on-disk form of an artifact's capture metadata.
type sidecar struct {
	CaptureTimestamp time.Time          `json:"capture_timestamp"`
	Location         string             `json:"location,omitempty"`
	Error            int                `json:"error,omitempty"`
	Readings         map[string]float64 `json:"readings,omitempty"`
}

// Spool is a directory of artifacts awaiting transfer. Each file is one
// artifact; an optional <name>.meta.json sidecar carries its telemetry.
type Spool struct {
	dir string
}

// NewSpool opens (creating if needed) the spool directory.
func NewSpool(dir string) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Put stores a captured artifact and its sidecar.
func (s *Spool) Put(a transfer.Artifact) error {
	path, err := s.path(a.Name)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(sidecar{
		CaptureTimestamp: a.CaptureTimestamp,
		Location:         a.Telemetry.Location,
		Error:            a.Error,
		Readings:         a.Telemetry.Readings,
	})
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", a.Name, err)
	}
	if err := os.WriteFile(path+SidecarExt, meta, 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", a.Name, err)
	}
	return nil
}

// Remove deletes a transferred artifact and its sidecar. Missing files
// are not an error.
func (s *Spool) Remove(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + SidecarExt} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// Backlog lists spooled artifacts oldest first (by modification time,
// then name). Hidden files, directories and sidecars are skipped.
func (s *Spool) Backlog(ctx context.Context) ([]transfer.Source, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}

	type candidate struct {
		name string
		mod  time.Time
	}
	var found []candidate
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, SidecarExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		found = append(found, candidate{name: name, mod: info.ModTime()})
	}

	slices.SortFunc(found, func(a, b candidate) int {
		if c := a.mod.Compare(b.mod); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})

	out := make([]transfer.Source, len(found))
	for i, c := range found {
		out[i] = &spoolEntry{spool: s, name: c.name, mod: c.mod}
	}
	return out, nil
}

// Lookup returns the spooled artifact called name. The error wraps
// fs.ErrNotExist when nothing by that name is spooled.
func (s *Spool) Lookup(name string) (transfer.Source, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("lookup %s: %w", name, fs.ErrNotExist)
	}
	return &spoolEntry{spool: s, name: name, mod: info.ModTime()}, nil
}

func (s *Spool) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}

type spoolEntry struct {
	spool *Spool
	name  string
	mod   time.Time
}

func (e *spoolEntry) Name() string { return e.name }

// Load reads the file and its sidecar. Without a sidecar the capture
// time falls back to the file's modification time.
func (e *spoolEntry) Load(ctx context.Context) (transfer.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return transfer.Artifact{}, err
	}
	path := filepath.Join(e.spool.dir, e.name)
	data, err := os.ReadFile(path)
	if err != nil {
		return transfer.Artifact{}, fmt.Errorf("load %s: %w", e.name, err)
	}

	a := transfer.Artifact{
		Name:             e.name,
		Data:             data,
		CaptureTimestamp: e.mod.UTC(),
	}

	raw, err := os.ReadFile(path + SidecarExt)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return a, nil
	case err != nil:
		return transfer.Artifact{}, fmt.Errorf("load sidecar %s: %w", e.name, err)
	}

	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return transfer.Artifact{}, fmt.Errorf("decode sidecar %s: %w", e.name, err)
	}
	if !meta.CaptureTimestamp.IsZero() {
		a.CaptureTimestamp = meta.CaptureTimestamp
	}
	a.Error = meta.Error
	a.Telemetry = types.Telemetry{Readings: meta.Readings, Location: meta.Location}
	return a, nil
}
