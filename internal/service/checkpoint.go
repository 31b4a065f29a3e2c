package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain"
	"github.com/gatewright/gatewright/internal/domain/session"
	"github.com/gatewright/gatewright/internal/domain/stall"
)

// checkpointFormatVersion is written into every checkpoint. Loads ignore
// unknown fields, so bumping this is only needed for incompatible changes.
const checkpointFormatVersion = 1

const (
	checkpointPrefix = "checkpoint-"
	checkpointSuffix = ".json"
	lockFileName     = "session.lock"
)

// ErrLockHeld is returned when the session lock could not be acquired
// within the configured backoff budget.
var ErrLockHeld = errors.New("session lock held by another writer")

// Checkpoint is one append-only entry in a session's checkpoint log. The
// session snapshot is complete: resume needs nothing else.
type Checkpoint struct {
	FormatVersion    int                     `json:"format_version"`
	SessionID        string                  `json:"session_id"`
	StepID           string                  `json:"step_id"`
	Seq              int                     `json:"seq"`
	RollbackEligible bool                    `json:"rollback_eligible"`
	Session          session.WorkflowSession `json:"session"`
	Signals          map[string]StepSignals  `json:"signals,omitempty"`
	StallRecords     []stall.Record          `json:"stall_records,omitempty"`
	LastError        string                  `json:"last_error,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

// CheckpointManager owns the per-session checkpoint log on disk. Writes are
// atomic (temp file, fsync, rename) and serialized by a lock file; past
// checkpoints are never mutated.
type CheckpointManager struct {
	cfg config.Checkpoint

	mu      sync.Mutex
	resumes map[string]int // checkpoint content hash -> resume count
}

// NewCheckpointManager creates a manager rooted at cfg.Dir.
func NewCheckpointManager(cfg config.Checkpoint) (*CheckpointManager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &CheckpointManager{cfg: cfg, resumes: make(map[string]int)}, nil
}

func (m *CheckpointManager) sessionDir(sessionID string) string {
	return filepath.Join(m.cfg.Dir, sessionID)
}

// Write appends a checkpoint for the session, assigning the next sequence
// number. The target file is never visible half-written: on crash the log
// contains either the previous complete set or the new complete entry.
func (m *CheckpointManager) Write(cp *Checkpoint) error {
	dir := m.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	unlock, err := m.acquireLock(dir)
	if err != nil {
		return err
	}
	defer unlock()

	seqs, err := m.sequences(dir)
	if err != nil {
		return err
	}
	next := 1
	if n := len(seqs); n > 0 {
		next = seqs[n-1] + 1
	}
	cp.Seq = next
	cp.FormatVersion = checkpointFormatVersion
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	target := filepath.Join(dir, fmt.Sprintf("%s%06d%s", checkpointPrefix, next, checkpointSuffix))
	if err := atomicWrite(target, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Latest loads the most recent checkpoint. A corrupt latest entry falls
// back to the previous known-good one; if no entry parses, the session is
// unrecoverable and CheckpointCorruption is returned.
func (m *CheckpointManager) Latest(sessionID string) (*Checkpoint, error) {
	dir := m.sessionDir(sessionID)
	seqs, err := m.sequences(dir)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, domain.ErrNotFound
	}

	for i := len(seqs) - 1; i >= 0; i-- {
		path := filepath.Join(dir, fmt.Sprintf("%s%06d%s", checkpointPrefix, seqs[i], checkpointSuffix))
		cp, err := readCheckpoint(path)
		if err != nil {
			slog.Warn("corrupt checkpoint, falling back",
				"session_id", sessionID, "seq", seqs[i], "error", err)
			continue
		}
		return cp, nil
	}
	return nil, domain.NewFailure(domain.ErrCheckpointCorrupt,
		"checkpoint recovery",
		"no checkpoint in the session log could be parsed",
		"restart the session from its step graph or restore the checkpoint directory from backup")
}

// Resume loads the latest good checkpoint and applies the resume
// loop-guard: after MaxIdenticalResumes of the same checkpoint content, the
// plain resume option is disabled and the caller must choose restart, skip,
// or abort.
func (m *CheckpointManager) Resume(sessionID string, maxIdentical int) (cp *Checkpoint, plainAllowed bool, err error) {
	cp, err = m.Latest(sessionID)
	if err != nil {
		return nil, false, err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, false, fmt.Errorf("hash checkpoint: %w", err)
	}
	h := stall.Hash(data)

	m.mu.Lock()
	m.resumes[h]++
	count := m.resumes[h]
	m.mu.Unlock()

	return cp, count <= maxIdentical, nil
}

// List returns all parseable checkpoints for a session in sequence order.
func (m *CheckpointManager) List(sessionID string) ([]Checkpoint, error) {
	dir := m.sessionDir(sessionID)
	seqs, err := m.sequences(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(seqs))
	for _, seq := range seqs {
		path := filepath.Join(dir, fmt.Sprintf("%s%06d%s", checkpointPrefix, seq, checkpointSuffix))
		cp, err := readCheckpoint(path)
		if err != nil {
			continue
		}
		out = append(out, *cp)
	}
	return out, nil
}

// acquireLock takes the per-session lock file, retrying with exponential
// backoff (100, 200, 400, 800ms by default) and taking over locks older
// than the staleness window.
func (m *CheckpointManager) acquireLock(dir string) (func(), error) {
	lockPath := filepath.Join(dir, lockFileName)

	try := func() error {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
			_ = f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return backoff.Permanent(err)
		}

		// Existing lock: take over only when stale.
		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) > m.cfg.LockStaleness {
			slog.Warn("taking over stale session lock", "path", lockPath, "age", time.Since(info.ModTime()))
			_ = os.Remove(lockPath)
		}
		return ErrLockHeld
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.LockRetryInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Second

	err := backoff.Retry(try, backoff.WithMaxRetries(bo, uint64(m.cfg.LockRetryCount)))
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}

	return func() { _ = os.Remove(lockPath) }, nil
}

// sequences returns the sorted checkpoint sequence numbers present in dir.
func (m *CheckpointManager) sequences(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		numPart := strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointSuffix)
		seq, err := strconv.Atoi(numPart)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	// Unknown fields are ignored so newer writers stay readable.
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.SessionID == "" || cp.Seq == 0 {
		return nil, errors.New("checkpoint missing required fields")
	}
	return &cp, nil
}

// atomicWrite writes data to path through a temp file in the same
// directory, fsyncs it, renames it into place, and fsyncs the directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-checkpoint-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	_ = d.Sync()
	_ = d.Close()
	return nil
}
