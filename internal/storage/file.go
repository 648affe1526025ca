package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	logx "notifbox/pkg/logx"
)

// journalRecord is one committed write. The file driver appends these to
// <prefix>.journal.jsonl and folds them into <prefix>.snapshot.json.
type journalRecord struct {
	Op      string          `json:"op"`
	Coll    string          `json:"coll"`
	ID      string          `json:"id"`
	Version int64           `json:"v,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

const compactEvery = 1000

// fileStore is the memory driver made durable by a JSON Lines journal.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only, one record per committed write)
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
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

	mem := newMemStore(cfg)
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs := &fileStore{memStore: mem, log: log, snapshotPath: snapPath, journal: jf, writes: n}
	mem.commitHook = fs.appendLocked
	log.Debug("file store opened", logx.Int("docs", len(mem.docs)), logx.Int("journal_records", n))
	return fs, nil
}

// appendLocked runs with memStore.mu held for writing.
func (s *fileStore) appendLocked(ops []journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	w := bufio.NewWriter(s.journal)
	enc := json.NewEncoder(w)
	for _, op := range ops {
		if err := enc.Encode(op); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s.writes += len(ops)
	if s.writes >= compactEvery {
		// The pending ops are not applied yet; compact after they land.
		s.memStore.applyLocked(ops)
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	recs := make([]journalRecord, 0, len(s.docs))
	for k, rec := range s.docs {
		recs = append(recs, journalRecord{Op: "set", Coll: k.coll, ID: k.id, Version: rec.version, Body: rec.body})
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	s.writes = 0
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	_ = s.memStore.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []journalRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	mem.applyLocked(recs)
	return nil
}

func replayJournal(path string, mem *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			// torn tail write
			continue
		}
		mem.applyLocked([]journalRecord{r})
		n++
	}
	return n, sc.Err()
}
