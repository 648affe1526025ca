package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memRecord struct {
	version int64
	body    []byte
}

// memStore keeps every document in a map guarded by one RWMutex.
// Commits are serialized; readers never block each other.
type memStore struct {
	cfg Config

	mu     sync.RWMutex
	docs   map[key]memRecord
	closed bool

	// commitHook runs under the write lock after validation and before the
	// writes become visible. A hook error aborts the commit.
	commitHook func(ops []journalRecord) error
}

// NewMemory returns an empty in-process store.
func NewMemory(cfg Config) Store {
	return newMemStore(cfg)
}

func newMemStore(cfg Config) *memStore {
	return &memStore{cfg: cfg, docs: map[key]memRecord{}}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) Get(ctx context.Context, coll, id string, out any) (bool, error) {
	_ = ctx
	rec, ok, err := s.read(key{coll, id})
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(rec.body, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return true, nil
}

func (s *memStore) read(k key) (memRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return memRecord{}, false, ErrClosed
	}
	rec, ok := s.docs[k]
	return rec, ok, nil
}

func (s *memStore) RunTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryTx(ctx, s.cfg.MaxTxRetries, func() error {
		tx := &memTx{s: s, reads: map[key]int64{}, writes: map[key][]byte{}}
		if err := fn(tx); err != nil {
			return err
		}
		return s.commit(tx)
	})
}

func (s *memStore) commit(tx *memTx) error {
	if len(tx.order) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for k, v := range tx.reads {
		if s.docs[k].version != v {
			return fmt.Errorf("%w: %s/%s", ErrConflict, k.coll, k.id)
		}
	}

	ops := make([]journalRecord, 0, len(tx.order))
	for _, k := range tx.order {
		body := tx.writes[k]
		if body == nil {
			ops = append(ops, journalRecord{Op: "del", Coll: k.coll, ID: k.id})
			continue
		}
		ops = append(ops, journalRecord{Op: "set", Coll: k.coll, ID: k.id, Version: s.docs[k].version + 1, Body: body})
	}
	if s.commitHook != nil {
		if err := s.commitHook(ops); err != nil {
			return err
		}
	}
	s.applyLocked(ops)
	return nil
}

func (s *memStore) applyLocked(ops []journalRecord) {
	for _, op := range ops {
		k := key{op.Coll, op.ID}
		if op.Op == "del" {
			delete(s.docs, k)
			continue
		}
		s.docs[k] = memRecord{version: op.Version, body: op.Body}
	}
}

func (s *memStore) Query(ctx context.Context, q Query) ([]Doc, error) {
	_ = ctx
	if strings.TrimSpace(q.Collection) == "" {
		return nil, fmt.Errorf("%w: collection is required", ErrBadQuery)
	}
	for _, f := range q.Where {
		if _, err := normalizeValue(f.Value); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	cands := make([]Doc, 0, 16)
	for k, rec := range s.docs {
		if k.coll != q.Collection || (q.StartAfter != "" && k.id <= q.StartAfter) {
			continue
		}
		cands = append(cands, Doc{Collection: k.coll, ID: k.id, Version: rec.version, Body: rec.body})
	}
	s.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].ID < cands[j].ID })

	out := make([]Doc, 0, len(cands))
	for _, d := range cands {
		ok, err := matchDoc(d.Body, q.Where)
		if err != nil {
			return nil, fmt.Errorf("query %s/%s: %w", d.Collection, d.ID, err)
		}
		if !ok {
			continue
		}
		out = append(out, d)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

type memTx struct {
	s      *memStore
	reads  map[key]int64
	writes map[key][]byte // nil body marks a delete
	order  []key
}

func (t *memTx) Get(coll, id string, out any) (bool, error) {
	k := key{coll, id}
	if body, ok := t.writes[k]; ok {
		if body == nil {
			return false, nil
		}
		return true, json.Unmarshal(body, out)
	}
	rec, ok, err := t.s.read(k)
	if err != nil {
		return false, err
	}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = rec.version
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(rec.body, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return true, nil
}

func (t *memTx) Set(coll, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	t.put(key{coll, id}, body)
	return nil
}

func (t *memTx) Delete(coll, id string) error {
	t.put(key{coll, id}, nil)
	return nil
}

func (t *memTx) put(k key, body []byte) {
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = body
}

// ---- filter evaluation ----

func matchDoc(body []byte, where []Filter) (bool, error) {
	if len(where) == 0 {
		return true, nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return false, err
	}
	for _, f := range where {
		v, present := m[f.Field]
		ok, err := matchValue(v, present, f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchValue(v any, present bool, f Filter) (bool, error) {
	want, err := normalizeValue(f.Value)
	if err != nil {
		return false, err
	}
	if !present || v == nil {
		return f.Op == OpNe, nil
	}
	var c int
	switch w := want.(type) {
	case bool:
		b, ok := v.(bool)
		if !ok {
			return f.Op == OpNe, nil
		}
		if f.Op != OpEq && f.Op != OpNe {
			return false, fmt.Errorf("%w: op %s on bool field %q", ErrBadQuery, f.Op, f.Field)
		}
		c = 1
		if b == w {
			c = 0
		}
	case string:
		s, ok := v.(string)
		if !ok {
			return f.Op == OpNe, nil
		}
		c = strings.Compare(s, w)
	case float64:
		n, ok := v.(float64)
		if !ok {
			return f.Op == OpNe, nil
		}
		switch {
		case n < w:
			c = -1
		case n > w:
			c = 1
		}
	}
	switch f.Op {
	case OpEq:
		return c == 0, nil
	case OpNe:
		return c != 0, nil
	case OpLt:
		return c < 0, nil
	case OpLte:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGte:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("%w: unknown op %q", ErrBadQuery, f.Op)
	}
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool:
		return x, nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case float64:
		return x, nil
	default:
		return nil, fmt.Errorf("%w: unsupported filter value %T", ErrBadQuery, v)
	}
}
