package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

// fileStore keeps everything in two files next to Config.Path:
//   - <prefix>.jobs.json  (snapshot of scheduled jobs, rewritten atomically)
//   - <prefix>.runs.jsonl (append-only run history)
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	jobsPath string
	runsFile *os.File
	jobs     map[jobs.JobKind]JobRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:      log,
		jobsPath: prefix + ".jobs.json",
		jobs:     map[jobs.JobKind]JobRecord{},
	}
	if err := s.load(); err != nil {
		// A corrupt snapshot must not keep the daemon down; start empty.
		log.Warn("job snapshot unreadable; starting empty", logx.String("path", s.jobsPath), logx.Err(err))
	}

	rf, err := os.OpenFile(prefix+".runs.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.runsFile = rf
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.jobsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var recs []JobRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		s.jobs[r.Descriptor.Kind] = r
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) PutJob(_ context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	prev, had := s.jobs[rec.Descriptor.Kind]
	s.jobs[rec.Descriptor.Kind] = rec
	if err := s.flushLocked(); err != nil {
		if had {
			s.jobs[rec.Descriptor.Kind] = prev
		} else {
			delete(s.jobs, rec.Descriptor.Kind)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteJob(_ context.Context, kind jobs.JobKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if _, ok := s.jobs[kind]; !ok {
		return nil
	}
	delete(s.jobs, kind)
	return s.flushLocked()
}

func (s *fileStore) ListJobs(context.Context) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	return s.sortedLocked(), nil
}

func (s *fileStore) DeleteAllJobs(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	clear(s.jobs)
	return s.flushLocked()
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) sortedLocked() []JobRecord {
	out := make([]JobRecord, 0, len(s.jobs))
	for _, k := range slices.Sorted(maps.Keys(s.jobs)) {
		out = append(out, s.jobs[k])
	}
	return out
}

// flushLocked rewrites the snapshot via a temp file and rename.
func (s *fileStore) flushLocked() error {
	tmp := s.jobsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.sortedLocked()); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.jobsPath)
}
