package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

const compactEvery = 200

// fileStore keeps everything in plain files next to cfg.Path:
//   - <prefix>.dispatch.jsonl        (append-only audit)
//   - <prefix>.failed.snapshot.json  (compacted failed records)
//   - <prefix>.failed.journal.jsonl  (put/take operations since the snapshot)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	failed       map[string][]notification.Record
	writes       int
}

type journalOp struct {
	ID      string                `json:"id"`
	Records []notification.Record `json:"records,omitempty"`
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

	af, err := os.OpenFile(prefix+".dispatch.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".failed.snapshot.json"
	journalPath := prefix + ".failed.journal.jsonl"
	failed := map[string][]notification.Record{}
	if err := loadSnapshot(snapPath, failed); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed-record snapshot unreadable", logx.Err(err))
	}
	if err := replayJournal(journalPath, failed); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed-record journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		failed:       failed,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDispatch(_ context.Context, e DispatchEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutFailed(_ context.Context, id string, records []notification.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(journalOp{ID: id, Records: records})
}

func (s *fileStore) TakeFailed(_ context.Context, id string) ([]notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.failed[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := s.applyLocked(journalOp{ID: id}); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *fileStore) applyLocked(op journalOp) error {
	if s.journalFile == nil {
		return errors.New("failed-record journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	applyOp(s.failed, op)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("failed-record compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.failed); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func applyOp(m map[string][]notification.Record, op journalOp) {
	if op.ID == "" {
		return
	}
	if len(op.Records) == 0 {
		delete(m, op.ID)
		return
	}
	m[op.ID] = op.Records
}

func loadSnapshot(path string, out map[string][]notification.Record) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &out)
}

func replayJournal(path string, out map[string][]notification.Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		applyOp(out, op)
	}
	return sc.Err()
}
