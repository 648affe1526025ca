package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"

	logx "notifbox/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS docs (
	coll    TEXT    NOT NULL,
	id      TEXT    NOT NULL,
	version INTEGER NOT NULL,
	body    TEXT    NOT NULL,
	PRIMARY KEY (coll, id)
) WITHOUT ROWID;
`

var fieldNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type sqliteStore struct {
	cfg Config
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; reads queue behind commits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{cfg: cfg, db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, coll, id string, out any) (bool, error) {
	_, body, ok, err := s.load(ctx, coll, id)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return true, nil
}

func (s *sqliteStore) load(ctx context.Context, coll, id string) (int64, []byte, bool, error) {
	var (
		version int64
		body    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, body FROM docs WHERE coll = ? AND id = ?`, coll, id).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return version, []byte(body), true, nil
}

// RunTx reads through the shared pool and validates read versions inside a
// short SQL transaction at commit time.
func (s *sqliteStore) RunTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryTx(ctx, s.cfg.MaxTxRetries, func() error {
		tx := &sqliteTx{ctx: ctx, s: s, reads: map[key]int64{}, writes: map[key][]byte{}}
		if err := fn(tx); err != nil {
			return err
		}
		return s.commit(ctx, tx)
	})
}

func (s *sqliteStore) commit(ctx context.Context, t *sqliteTx) (err error) {
	if len(t.order) == 0 {
		return nil
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	for k, want := range t.reads {
		var got int64
		qerr := sqlTx.QueryRowContext(ctx, `SELECT version FROM docs WHERE coll = ? AND id = ?`, k.coll, k.id).Scan(&got)
		if errors.Is(qerr, sql.ErrNoRows) {
			got = 0
		} else if qerr != nil {
			return qerr
		}
		if got != want {
			return fmt.Errorf("%w: %s/%s", ErrConflict, k.coll, k.id)
		}
	}

	for _, k := range t.order {
		body := t.writes[k]
		if body == nil {
			if _, err = sqlTx.ExecContext(ctx, `DELETE FROM docs WHERE coll = ? AND id = ?`, k.coll, k.id); err != nil {
				return err
			}
			continue
		}
		if _, err = sqlTx.ExecContext(ctx,
			`INSERT INTO docs(coll, id, version, body) VALUES(?, ?, 1, ?)
			 ON CONFLICT(coll, id) DO UPDATE SET version = docs.version + 1, body = excluded.body`,
			k.coll, k.id, string(body)); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func (s *sqliteStore) Query(ctx context.Context, q Query) ([]Doc, error) {
	if strings.TrimSpace(q.Collection) == "" {
		return nil, fmt.Errorf("%w: collection is required", ErrBadQuery)
	}
	var (
		sb   strings.Builder
		args = []any{q.Collection}
	)
	sb.WriteString(`SELECT id, version, body FROM docs WHERE coll = ?`)
	if q.StartAfter != "" {
		sb.WriteString(` AND id > ?`)
		args = append(args, q.StartAfter)
	}
	for _, f := range q.Where {
		if !fieldNameRE.MatchString(f.Field) {
			return nil, fmt.Errorf("%w: bad field %q", ErrBadQuery, f.Field)
		}
		op, err := sqlOp(f.Op)
		if err != nil {
			return nil, err
		}
		v, err := normalizeValue(f.Value)
		if err != nil {
			return nil, err
		}
		if b, ok := v.(bool); ok {
			// json_extract yields 1/0 for JSON booleans.
			if f.Op != OpEq && f.Op != OpNe {
				return nil, fmt.Errorf("%w: op %s on bool field %q", ErrBadQuery, f.Op, f.Field)
			}
			v = 0
			if b {
				v = 1
			}
		}
		if f.Op == OpNe {
			// Missing fields compare as NULL; keep them, like the memory driver.
			fmt.Fprintf(&sb, ` AND (json_extract(body, '$.%s') IS NULL OR json_extract(body, '$.%s') != ?)`, f.Field, f.Field)
		} else {
			fmt.Fprintf(&sb, ` AND json_extract(body, '$.%s') %s ?`, f.Field, op)
		}
		args = append(args, v)
	}
	sb.WriteString(` ORDER BY id`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Doc, 0, 16)
	for rows.Next() {
		var (
			d    = Doc{Collection: q.Collection}
			body string
		)
		if err := rows.Scan(&d.ID, &d.Version, &body); err != nil {
			return nil, err
		}
		d.Body = []byte(body)
		out = append(out, d)
	}
	return out, rows.Err()
}

func sqlOp(op Op) (string, error) {
	switch op {
	case OpEq:
		return "=", nil
	case OpNe:
		return "!=", nil
	case OpLt, OpLte, OpGt, OpGte:
		return string(op), nil
	default:
		return "", fmt.Errorf("%w: unknown op %q", ErrBadQuery, op)
	}
}

type sqliteTx struct {
	ctx    context.Context
	s      *sqliteStore
	reads  map[key]int64
	writes map[key][]byte
	order  []key
}

func (t *sqliteTx) Get(coll, id string, out any) (bool, error) {
	k := key{coll, id}
	if body, ok := t.writes[k]; ok {
		if body == nil {
			return false, nil
		}
		return true, json.Unmarshal(body, out)
	}
	version, body, ok, err := t.s.load(t.ctx, coll, id)
	if err != nil {
		return false, err
	}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = version
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return true, nil
}

func (t *sqliteTx) Set(coll, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	t.put(key{coll, id}, body)
	return nil
}

func (t *sqliteTx) Delete(coll, id string) error {
	t.put(key{coll, id}, nil)
	return nil
}

func (t *sqliteTx) put(k key, body []byte) {
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = body
}
