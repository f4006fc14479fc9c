// Package backup creates and restores point-in-time copies of the
// durable stores. A backup is a directory of checkpointed database
// copies plus their digests, cheap to make and verifiable later.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/squadhq/squad/internal/fault"
	"github.com/squadhq/squad/internal/logging"
	"github.com/squadhq/squad/internal/telemetry"
	"github.com/squadhq/squad/internal/util"
	"github.com/squadhq/squad/internal/version"
)

const (
	// DirName is the backup area inside the state dir.
	DirName = "backups"

	// LockFileName serializes backup and restore across processes.
	LockFileName = "backup.lock"

	// MetadataFileName describes one backup in human-readable form.
	MetadataFileName = "metadata.txt"

	dirPrefix    = "backup_"
	backupSuffix = ".backup"
	digestSuffix = ".sha256"
	timeLayout   = "20060102-150405"
)

// Store is the slice of a database-backed store the backup manager
// needs: where the file lives, how to flush it, and how to let go of
// it before a restore overwrites it.
type Store interface {
	Path() string
	Checkpoint(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Info describes one backup directory.
type Info struct {
	Dir       string            `json:"dir"`
	Label     string            `json:"label,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Digests   map[string]string `json:"digests,omitempty"`
}

// Config wires a Manager.
type Config struct {
	StateDir string
	Tasks    Store
	Agents   Store

	// Active reports live sessions. Restore refuses to run over them
	// unless forced.
	Active func() int

	Log *logging.Logger
}

// Manager owns the backup area under one state dir.
type Manager struct {
	stateDir string
	tasks    Store
	agents   Store
	active   func() int
	log      *logging.Logger
}

// New returns a Manager for cfg.StateDir.
func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		stateDir: cfg.StateDir,
		tasks:    cfg.Tasks,
		agents:   cfg.Agents,
		active:   cfg.Active,
		log:      log,
	}
}

func (m *Manager) baseDir() string { return filepath.Join(m.stateDir, DirName) }

func (m *Manager) lock() (*flock.Flock, error) {
	if err := os.MkdirAll(m.baseDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}
	fl := flock.New(filepath.Join(m.baseDir(), LockFileName))
	if err := fl.Lock(); err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "locking backup area")
	}
	return fl, nil
}

// Backup checkpoints both stores and copies them into a fresh
// timestamped directory. The label, when given, becomes part of the
// directory name.
func (m *Manager) Backup(ctx context.Context, label string) (info *Info, err error) {
	defer func() { telemetry.RecordBackup(ctx, "backup", err) }()

	fl, err := m.lock()
	if err != nil {
		return nil, err
	}
	defer func() { _ = fl.Unlock() }()

	return m.backupLocked(ctx, label)
}

// backupLocked is Backup without the lock, for callers already holding
// it.
func (m *Manager) backupLocked(ctx context.Context, label string) (*Info, error) {
	if err := validLabel(label); err != nil {
		return nil, err
	}

	created := time.Now().UTC()
	name := dirPrefix + created.Format(timeLayout)
	if label != "" {
		name += "_" + label
	}
	dir := filepath.Join(m.baseDir(), name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, fault.Errorf(fault.Conflict, "backup %s already exists, retry or add a label", name)
		}
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	info := &Info{Dir: dir, Label: label, CreatedAt: created, Digests: map[string]string{}}
	counts := map[string]int{}

	for _, st := range []Store{m.tasks, m.agents} {
		if err := st.Checkpoint(ctx); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		base := filepath.Base(st.Path())
		digest, err := copyWithDigest(st.Path(), filepath.Join(dir, base+backupSuffix))
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("backing up %s: %w", base, err)
		}
		line := fmt.Sprintf("%s  %s\n", digest, base+backupSuffix)
		if err := os.WriteFile(filepath.Join(dir, base+digestSuffix), []byte(line), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("writing digest for %s: %w", base, err)
		}
		info.Digests[base] = digest

		n, err := st.Count(ctx)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		counts[base] = n
	}

	if err := m.writeMetadata(dir, info, counts); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	m.log.Info("backup created",
		zap.String("dir", dir), zap.String("label", label))
	return info, nil
}

func (m *Manager) writeMetadata(dir string, info *Info, counts map[string]int) error {
	var b strings.Builder
	fmt.Fprintf(&b, "created_at: %s\n", info.CreatedAt.Format(time.RFC3339))
	if info.Label != "" {
		fmt.Fprintf(&b, "label: %s\n", info.Label)
	}
	fmt.Fprintf(&b, "tool: sq %s\n", version.String())

	bases := make([]string, 0, len(counts))
	for base := range counts {
		bases = append(bases, base)
	}
	sort.Strings(bases)
	for _, base := range bases {
		fmt.Fprintf(&b, "rows %s: %d\n", base, counts[base])
	}
	return util.AtomicWriteFile(filepath.Join(dir, MetadataFileName), []byte(b.String()), 0o644)
}

// Verify recomputes every digest in a backup directory and compares it
// to the recorded one. Both store copies must be present.
func (m *Manager) Verify(dir string) error {
	for _, st := range []Store{m.tasks, m.agents} {
		base := filepath.Base(st.Path())
		if err := verifyOne(dir, base); err != nil {
			return err
		}
	}
	return nil
}

func verifyOne(dir, base string) error {
	recorded, err := readDigest(filepath.Join(dir, base+digestSuffix))
	if err != nil {
		return err
	}
	actual, err := fileDigest(filepath.Join(dir, base+backupSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return fault.Errorf(fault.Integrity, "backup is missing %s", base+backupSuffix)
		}
		return err
	}
	if actual != recorded {
		return fault.Errorf(fault.Integrity, "digest mismatch for %s: recorded %s, computed %s",
			base+backupSuffix, recorded, actual)
	}
	return nil
}

func readDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fault.Errorf(fault.Integrity, "backup is missing %s", filepath.Base(path))
		}
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || len(fields[0]) != sha256.Size*2 {
		return "", fault.Errorf(fault.Integrity, "malformed digest file %s", filepath.Base(path))
	}
	return fields[0], nil
}

// List returns known backups, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.baseDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		infos = append(infos, parseDirName(m.baseDir(), entry.Name()))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

// Latest returns the newest backup.
func (m *Manager) Latest() (*Info, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fault.New(fault.NotFound, "no backups found")
	}
	return &infos[0], nil
}

func parseDirName(baseDir, name string) Info {
	info := Info{Dir: filepath.Join(baseDir, name)}
	rest := strings.TrimPrefix(name, dirPrefix)
	stamp := rest
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		stamp, info.Label = rest[:i], rest[i+1:]
	}
	if t, err := time.Parse(timeLayout, stamp); err == nil {
		info.CreatedAt = t
	}
	return info
}

func validLabel(label string) error {
	if label == "" {
		return nil
	}
	if len(label) > 40 {
		return fault.Errorf(fault.Validation, "backup label too long (%d chars, max 40)", len(label))
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fault.Errorf(fault.Validation, "backup label %q: only letters, digits, - and _", label)
		}
	}
	return nil
}

// copyWithDigest copies src to dst and returns the hex SHA-256 of the
// bytes written.
func copyWithDigest(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(out, io.TeeReader(in, h)); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
