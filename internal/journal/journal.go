// Package journal keeps a crash-safe, append-only log of every sample taken
// during a run so that data survives a process that dies before its
// datasets are recorded.
package journal

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/logger"
	"github.com/tidwall/wal"
)

const (
	ErrOpen   = errors.ErrorCode("journal_open_failed")
	ErrWrite  = errors.ErrorCode("journal_write_failed")
	ErrReplay = errors.ErrorCode("journal_replay_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrOpen:   "Failed to open sample journal",
		ErrWrite:  "Failed to append to sample journal",
		ErrReplay: "Failed to replay sample journal",
	})
}

// Entry is one journaled sample.
type Entry struct {
	Dataset int     `json:"dataset"`
	Phase   string  `json:"phase"`
	Elapsed float64 `json:"elapsed"`
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// Journal appends samples to a write-ahead log. It is safe for concurrent
// use.
type Journal struct {
	mu      sync.Mutex
	log     *wal.Log
	logger  logger.Logger
	idx     uint64
	dataset int
	err     error
}

// Path returns the journal directory of a run under dir.
func Path(dir, runID string) string {
	return filepath.Join(dir, runID)
}

// Open opens or creates the journal at path, continuing after the last
// entry.
func Open(path string, log logger.Logger) (*Journal, error) {
	l, err := wal.Open(path, &wal.Options{
		NoSync: true,
		NoCopy: true,
	})
	if err != nil {
		return nil, errors.New().Wrap(ErrOpen, err).WithData(path)
	}

	// wal indexes start at 1, so the last index is the count of entries.
	idx, err := l.LastIndex()
	if err != nil {
		l.Close()
		return nil, errors.New().Wrap(ErrOpen, err).WithData(path)
	}

	log.Debug().Str("path", path).Uint64("entries", idx).Msg("Sample journal opened")

	return &Journal{log: l, logger: log, idx: idx}, nil
}

// BeginDataset tags subsequent entries with the dataset index.
func (j *Journal) BeginDataset(index int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dataset = index
}

// ObserveSample appends one sample. Failures are logged and kept; the first
// one is reported by Err.
func (j *Journal) ObserveSample(phase string, elapsed, voltage, current float64) {
	j.mu.Lock()
	entry := Entry{
		Dataset: j.dataset,
		Phase:   phase,
		Elapsed: elapsed,
		Voltage: voltage,
		Current: current,
	}
	j.mu.Unlock()

	if err := j.Append(entry); err != nil {
		j.logger.Error().Err(err).Str("phase", phase).Msg("Failed to journal sample")
	}
}

// Append writes entry at the next index.
func (j *Journal) Append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.New().Wrap(ErrWrite, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.log.Write(j.idx+1, data); err != nil {
		wrapped := errors.New().Wrap(ErrWrite, err)
		if j.err == nil {
			j.err = wrapped
		}
		return wrapped
	}
	j.idx++

	return nil
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return int(j.idx)
}

// Err returns the first append failure, if any.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Replay calls fn for every entry in order.
func (j *Journal) Replay(fn func(index uint64, entry Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	first, err := j.log.FirstIndex()
	if err != nil {
		return errors.New().Wrap(ErrReplay, err)
	}
	if first == 0 {
		return nil
	}

	last, err := j.log.LastIndex()
	if err != nil {
		return errors.New().Wrap(ErrReplay, err)
	}

	for i := first; i <= last; i++ {
		data, err := j.log.Read(i)
		if err != nil {
			return errors.New().Wrap(ErrReplay, err).WithData(i)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return errors.New().Wrap(ErrReplay, err).WithData(i)
		}
		if err := fn(i, entry); err != nil {
			return err
		}
	}

	return nil
}

// Close flushes the log to disk and closes it.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.log.Sync(); err != nil {
		j.log.Close()
		return errors.New().Wrap(ErrWrite, err)
	}

	return j.log.Close()
}
