package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/models"
)

// TableSpec declares one keyed table: its name, the attribute used as the
// primary key, and which attributes are indexed for native lookups.
type TableSpec struct {
	Name       string
	PrimaryKey string
	Indexed    []string
	// Compound lists multi-field indexes, e.g. parent+ordering key.
	Compound [][]string
}

// Indexable reports whether the field has a declared single-field index.
func (s TableSpec) Indexable(field string) bool {
	for _, f := range s.Indexed {
		if f == field {
			return true
		}
	}
	return false
}

// ChangeLogTable is the shared append-style change-log table name.
const ChangeLogTable = "change_log"

// Row is one stored record: its key, decoded attributes, and the internal
// last-fetched timestamp set by remote-fetch writes.
type Row struct {
	Key         string
	Obj         models.Attrs
	LastFetched int64
}

// Stale reports whether the row's age since last remote fetch exceeds the
// refresh interval. Rows never fetched from the server are not stale; they
// have nothing to revalidate against.
func (r Row) Stale(interval time.Duration) bool {
	if r.LastFetched == 0 {
		return false
	}
	return time.Since(time.Unix(r.LastFetched, 0)) > interval
}

// Store is the persistent local store shared by all resource façades of one
// execution context.
type Store struct {
	db      *sql.DB
	session *models.Session
	specs   map[string]TableSpec
}

// New creates a Store over an open database. The session identifies this
// execution context and is injected rather than read from global state.
func New(db *sql.DB, session *models.Session, specs ...TableSpec) *Store {
	m := make(map[string]TableSpec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return &Store{db: db, session: session, specs: m}
}

// Session returns the execution context identity the store was built with.
func (s *Store) Session() *models.Session {
	return s.session
}

// Spec returns the declared spec for a table.
func (s *Store) Spec(name string) (TableSpec, bool) {
	spec, ok := s.specs[name]
	return spec, ok
}

// Migrate creates all declared tables, their indexes, and the shared
// change-log table.
func (s *Store) Migrate(ctx context.Context) error {
	for _, spec := range s.specs {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			key TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			last_fetched INTEGER NOT NULL DEFAULT 0
		);`, spec.Name)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "create table "+spec.Name, err)
		}
		for _, field := range spec.Indexed {
			idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (json_extract(data, '$.%s'));`,
				"idx_"+spec.Name+"_"+field, spec.Name, field)
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return apperrors.Wrap(apperrors.ErrMigration, "create index on "+spec.Name+"."+field, err)
			}
		}
		for _, fields := range spec.Compound {
			exprs := make([]string, len(fields))
			for i, f := range fields {
				exprs[i] = fmt.Sprintf("json_extract(data, '$.%s')", f)
			}
			idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (%s);`,
				"idx_"+spec.Name+"_"+strings.Join(fields, "_"), spec.Name, strings.Join(exprs, ", "))
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return apperrors.Wrap(apperrors.ErrMigration, "create compound index on "+spec.Name, err)
			}
		}
	}

	ddl := `
	CREATE TABLE IF NOT EXISTS change_log (
		rev INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		type TEXT NOT NULL,
		mods TEXT,
		old_obj TEXT,
		from_key TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT '',
		position TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_change_log_tbl_key ON change_log (tbl, key);
	CREATE INDEX IF NOT EXISTS idx_change_log_source ON change_log (source);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "create change_log", err)
	}
	return nil
}

// Tx is one store transaction. A transaction declares the tables it intends
// to write and carries a source annotation used only for downstream change
// filtering; the annotation never affects atomicity.
type Tx struct {
	tx     *sql.Tx
	store  *Store
	source string
	tables map[string]bool
}

// Source returns the transaction's declared source annotation.
func (t *Tx) Source() string {
	return t.source
}

// ReadTx runs fn inside a read-only transaction.
func (s *Store) ReadTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin read transaction", err)
	}
	defer tx.Rollback()
	if err := fn(&Tx{tx: tx, store: s, source: models.IgnoredSource}); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteTx runs fn inside a writable transaction over the declared tables.
// The set of writes either all commit or none do. Writing an undeclared
// table is a programmer error.
func (s *Store) WriteTx(ctx context.Context, source string, tables []string, fn func(*Tx) error) error {
	if source == "" {
		return apperrors.New(apperrors.ErrValidation, "transaction source is required")
	}
	declared := make(map[string]bool, len(tables)+1)
	for _, tbl := range tables {
		if _, ok := s.specs[tbl]; !ok {
			return apperrors.Newf(apperrors.ErrValidation, "unknown table %q", tbl)
		}
		declared[tbl] = true
	}
	declared[ChangeLogTable] = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin write transaction", err)
	}
	defer tx.Rollback()
	if err := fn(&Tx{tx: tx, store: s, source: source, tables: declared}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrConflict, "commit transaction", err)
	}
	return nil
}

func (t *Tx) spec(table string) (TableSpec, error) {
	spec, ok := t.store.specs[table]
	if !ok {
		return TableSpec{}, apperrors.Newf(apperrors.ErrValidation, "unknown table %q", table)
	}
	return spec, nil
}

func (t *Tx) writable(table string) error {
	if t.tables == nil {
		return apperrors.New(apperrors.ErrValidation, "write attempted in read-only transaction")
	}
	if !t.tables[table] {
		return apperrors.Newf(apperrors.ErrValidation, "table %q not declared by this transaction", table)
	}
	return nil
}

func decodeRow(key string, data []byte, lastFetched int64) (Row, error) {
	var obj models.Attrs
	if err := json.Unmarshal(data, &obj); err != nil {
		return Row{}, apperrors.Wrap(apperrors.ErrDatabase, "decode record "+key, err)
	}
	return Row{Key: key, Obj: obj, LastFetched: lastFetched}, nil
}

// Get looks up one record by primary key. A missing key returns (nil, nil)
// rather than an error; an empty key is a programmer error.
func (t *Tx) Get(table, key string) (*Row, error) {
	if _, err := t.spec(table); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "key is required")
	}
	q := fmt.Sprintf(`SELECT data, last_fetched FROM %q WHERE key = ?`, table)
	var data []byte
	var lastFetched int64
	err := t.tx.QueryRow(q, key).Scan(&data, &lastFetched)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get "+table+"/"+key, err)
	}
	row, err := decodeRow(key, data, lastFetched)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Put writes a record, preserving any existing last-fetched timestamp. The
// key is taken from the table's primary key attribute. The transient new
// marker is stripped before the write; it must never reach storage.
func (t *Tx) Put(table string, obj models.Attrs) error {
	return t.put(table, obj, -1)
}

// PutFetched writes a record ingested from the server, stamping the
// last-fetched timestamp.
func (t *Tx) PutFetched(table string, obj models.Attrs, fetchedAt int64) error {
	return t.put(table, obj, fetchedAt)
}

func (t *Tx) put(table string, obj models.Attrs, fetchedAt int64) error {
	spec, err := t.spec(table)
	if err != nil {
		return err
	}
	if err := t.writable(table); err != nil {
		return err
	}
	key := obj.String(spec.PrimaryKey)
	if key == "" {
		return apperrors.Newf(apperrors.ErrValidation, "record for %q has no %s", table, spec.PrimaryKey)
	}
	obj = obj.Clone()
	obj.StripNew()
	data, err := json.Marshal(obj)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "encode record "+key, err)
	}
	if fetchedAt >= 0 {
		q := fmt.Sprintf(`
		INSERT INTO %q (key, data, last_fetched) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, last_fetched = excluded.last_fetched`, table)
		_, err = t.tx.Exec(q, key, data, fetchedAt)
	} else {
		q := fmt.Sprintf(`
		INSERT INTO %q (key, data, last_fetched) VALUES (?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data`, table)
		_, err = t.tx.Exec(q, key, data)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "put "+table+"/"+key, err)
	}
	return nil
}

// Delete removes a record by key. Deleting a missing key is not an error.
func (t *Tx) Delete(table, key string) error {
	if _, err := t.spec(table); err != nil {
		return err
	}
	if err := t.writable(table); err != nil {
		return err
	}
	if key == "" {
		return apperrors.New(apperrors.ErrValidation, "key is required")
	}
	q := fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, table)
	if _, err := t.tx.Exec(q, key); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete "+table+"/"+key, err)
	}
	return nil
}

// All returns every record of a table in key order.
func (t *Tx) All(table string) ([]Row, error) {
	if _, err := t.spec(table); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT key, data, last_fetched FROM %q ORDER BY key`, table)
	return t.queryRows(q)
}

// validField reports whether a field name is a plain identifier, safe to
// splice into a json_extract path.
func validField(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// ByField returns records whose field equals value, in key order. The lookup
// goes through the field's expression index when one is declared.
func (t *Tx) ByField(table, field string, value interface{}) ([]Row, error) {
	if _, err := t.spec(table); err != nil {
		return nil, err
	}
	if !validField(field) {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid field name %q", field)
	}
	q := fmt.Sprintf(`SELECT key, data, last_fetched FROM %q WHERE json_extract(data, '$.%s') = ? ORDER BY key`, table, field)
	return t.queryRows(q, value)
}

// ByFieldIn returns records whose field matches any of the given values.
func (t *Tx) ByFieldIn(table, field string, values []interface{}) ([]Row, error) {
	if _, err := t.spec(table); err != nil {
		return nil, err
	}
	if !validField(field) {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid field name %q", field)
	}
	if len(values) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	q := fmt.Sprintf(`SELECT key, data, last_fetched FROM %q WHERE json_extract(data, '$.%s') IN (%s) ORDER BY key`,
		table, field, placeholders)
	return t.queryRows(q, values...)
}

func (t *Tx) queryRows(q string, args ...interface{}) ([]Row, error) {
	rows, err := t.tx.Query(q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query records", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var key string
		var data []byte
		var lastFetched int64
		if err := rows.Scan(&key, &data, &lastFetched); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
		}
		row, err := decodeRow(key, data, lastFetched)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate records", err)
	}
	return out, nil
}
