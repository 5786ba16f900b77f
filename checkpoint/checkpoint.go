// Package checkpoint makes long-running batches safely restartable.
//
// Responses are stored as line-delimited JSON, append-only during a run; each
// line independently decodes to one types.GenericResponse. A crash corrupts
// at most the final partial line, which resume detects and discards. On
// resume the log is compacted, dropping failed lines via a temp file and an
// atomic rename, so that only genuinely completed rows survive.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/types"
)

// Mode selects how an existing response log is treated on resume.
type Mode int

const (
	// ModeRetryFailed drops previously failed lines so their rows are
	// resubmitted.
	ModeRetryFailed Mode = iota
	// ModeNoRetry keeps failed rows as permanently done; they are not
	// resubmitted.
	ModeNoRetry
)

// Store is the single-writer, append-only response log for one run.
type Store struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
	f  *os.File
}

// Open opens (creating if needed) the response log for appending.
func Open(path string, logger *zap.Logger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	return &Store{
		path:   path,
		logger: logger.With(zap.String("component", "checkpoint")),
		f:      f,
	}, nil
}

// Append writes one terminal response as a single line. The line is flushed
// to the file immediately so a crash loses at most in-flight work.
func (s *Store) Append(resp *types.GenericResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("checkpoint log closed")
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("append response: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Path returns the log file path.
func (s *Store) Path() string { return s.path }

// ResumeResult reports what an existing log contained.
type ResumeResult struct {
	// Completed holds the row ids that do not need resubmission.
	Completed map[int]struct{}
	// PreviouslyFailed counts lines that recorded a failed response.
	PreviouslyFailed int
	// Discarded counts undecodable (partial) lines dropped from the log.
	Discarded int
}

// Resume scans an existing response log and prepares it for continuation.
//
// In ModeRetryFailed the log is rewritten without its failed and partial
// lines, via temp file + atomic rename under an exclusive lock file, so no
// reader ever observes a half-written log. In ModeNoRetry the log is left
// untouched and failed rows are treated as done.
//
// A missing log yields an empty result.
func Resume(path string, mode Mode, logger *zap.Logger) (*ResumeResult, error) {
	logger = logger.With(zap.String("component", "checkpoint"))
	res := &ResumeResult{Completed: make(map[int]struct{})}

	in, err := os.Open(path)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	defer in.Close()

	if mode == ModeNoRetry {
		logger.Warn("resuming without retrying previously failed requests", zap.String("path", path))
		err := scanLog(in, func(resp *types.GenericResponse, line []byte) error {
			if !resp.Succeeded() {
				res.PreviouslyFailed++
			}
			res.Completed[resp.GenericRequest.OriginalRowIdx] = struct{}{}
			return nil
		}, res)
		if err != nil {
			return nil, err
		}
		logger.Info("resume scan complete",
			zap.Int("completed", len(res.Completed)),
			zap.Int("previously_failed", res.PreviouslyFailed))
		return res, nil
	}

	// Compaction: rewrite the log without failed lines so they get retried.
	unlock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tmpPath := path + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create compaction temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(out)
	err = scanLog(in, func(resp *types.GenericResponse, line []byte) error {
		if !resp.Succeeded() {
			logger.Debug("dropping previously failed request",
				zap.Int("row", resp.GenericRequest.OriginalRowIdx),
				zap.Strings("errors", resp.ResponseErrors))
			res.PreviouslyFailed++
			return nil
		}
		res.Completed[resp.GenericRequest.OriginalRowIdx] = struct{}{}
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.WriteByte('\n')
	}, res)
	if err != nil {
		out.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return nil, fmt.Errorf("flush compacted log: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close compacted log: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("replace checkpoint log: %w", err)
	}

	logger.Info("resume scan complete",
		zap.Int("completed", len(res.Completed)),
		zap.Int("previously_failed", res.PreviouslyFailed),
		zap.Int("discarded_partial", res.Discarded))
	return res, nil
}

// scanLog decodes the log line by line. Undecodable lines are counted as
// discarded partial writes instead of failing the scan.
func scanLog(f *os.File, fn func(resp *types.GenericResponse, line []byte) error, res *ResumeResult) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp types.GenericResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			res.Discarded++
			continue
		}
		if err := fn(&resp, line); err != nil {
			return fmt.Errorf("rewrite checkpoint log: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan checkpoint log: %w", err)
	}
	return nil
}

// ReadAll returns every decodable response currently in the log.
func ReadAll(path string) ([]types.GenericResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	defer f.Close()

	var responses []types.GenericResponse
	res := &ResumeResult{}
	err = scanLog(f, func(resp *types.GenericResponse, _ []byte) error {
		responses = append(responses, *resp)
		return nil
	}, res)
	if err != nil {
		return nil, err
	}
	return responses, nil
}

// acquireLock takes a scoped exclusive lock guarding compaction. A stale
// lock from a crashed process must be removed manually; the error names it.
func acquireLock(path string) (func(), error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("checkpoint log is locked by another process (remove %s if stale)", lockPath)
		}
		return nil, fmt.Errorf("acquire checkpoint lock: %w", err)
	}
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
