// Package spool persists accepted ingress payloads before they are
// published, so a bus outage does not lose lines.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Disk writes one JSON file per payload named
// "<unix seconds>.<micros>_<hex id>.json".
type Disk struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

// NewDisk creates dir if needed.
func NewDisk(dir string, logger zerolog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	return &Disk{
		dir:    dir,
		logger: logger.With().Str("component", "spool").Logger(),
		now:    time.Now,
	}, nil
}

// Dir returns the spool directory.
func (d *Disk) Dir() string { return d.dir }

// Write persists payload atomically and returns the file name.
func (d *Disk) Write(payload []byte) (string, error) {
	name := fileName(d.now(), strings.ReplaceAll(uuid.NewString(), "-", ""))

	tmp, err := os.CreateTemp(d.dir, ".spool-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return "", fmt.Errorf("writing spool file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("syncing spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing spool file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(d.dir, name)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("committing spool file: %w", err)
	}
	d.logger.Debug().Str("file", name).Msg("spooled")
	return name, nil
}

// ReadAll returns every spooled payload in file name order. Unreadable
// files are skipped.
func (d *Disk) ReadAll() ([][]byte, error) {
	names, err := d.files()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			d.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable spool file")
			continue
		}
		out = append(out, data)
	}
	return out, nil
}

// PurgeExpired removes files whose timestamp prefix is at or before
// now-ttl. Files with an unparseable prefix are left alone.
func (d *Disk) PurgeExpired(ttl time.Duration) (int, error) {
	names, err := d.files()
	if err != nil {
		return 0, err
	}
	cutoff := d.now().Add(-ttl)
	purged := 0
	for _, name := range names {
		ts, ok := parseTimestamp(name)
		if !ok {
			d.logger.Warn().Str("file", name).Msg("skipping file with unparseable name")
			continue
		}
		if ts.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !os.IsNotExist(err) {
			return purged, fmt.Errorf("removing %s: %w", name, err)
		}
		purged++
	}
	if purged > 0 {
		d.logger.Info().Int("purged", purged).Dur("ttl", ttl).Msg("purged expired spool files")
	}
	return purged, nil
}

func (d *Disk) files() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("listing spool dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

func fileName(t time.Time, id string) string {
	return fmt.Sprintf("%d.%06d_%s.json", t.Unix(), t.Nanosecond()/1000, id)
}

func parseTimestamp(name string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return time.Time{}, false
	}
	secPart, fracPart, _ := strings.Cut(prefix, ".")
	secs, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var nanos int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		n, err := strconv.ParseUint(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		nanos = int64(n)
		for i := len(fracPart); i < 9; i++ {
			nanos *= 10
		}
	}
	return time.Unix(secs, nanos), true
}

// Memory keeps payloads in process. Used in tests and when durability is
// not required.
type Memory struct {
	mu      sync.Mutex
	entries []memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	at   time.Time
	data []byte
}

// NewMemory creates an empty in-memory spool.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// Write stores a copy of payload.
func (m *Memory) Write(payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, memoryEntry{at: m.now(), data: slices.Clone(payload)})
	return strconv.Itoa(len(m.entries)), nil
}

// ReadAll returns copies of every stored payload in write order.
func (m *Memory) ReadAll() ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.entries))
	for i, e := range m.entries {
		out[i] = slices.Clone(e.data)
	}
	return out, nil
}

// PurgeExpired drops entries written at or before now-ttl.
func (m *Memory) PurgeExpired(ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	before := len(m.entries)
	m.entries = slices.DeleteFunc(m.entries, func(e memoryEntry) bool { return !e.at.After(cutoff) })
	return before - len(m.entries), nil
}
