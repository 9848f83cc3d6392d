package store

import (
	"encoding/json"
	"strings"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/models"
)

// AppendChange appends one immutable record to the shared change-log table.
// Rev is assigned by the store; insertion order is the causal order used for
// merging. Records are never mutated in place.
func (t *Tx) AppendChange(rec *models.ChangeRecord) error {
	if t.tables == nil {
		return apperrors.New(apperrors.ErrValidation, "write attempted in read-only transaction")
	}
	if rec.Table == "" || rec.Key == "" || rec.Type == "" {
		return apperrors.New(apperrors.ErrValidation, "change record needs table, key and type")
	}
	rec.Source = t.source

	mods, err := encodeAttrs(rec.Mods)
	if err != nil {
		return err
	}
	oldObj, err := encodeAttrs(rec.OldObj)
	if err != nil {
		return err
	}

	res, err := t.tx.Exec(`
	INSERT INTO change_log (tbl, key, type, mods, old_obj, from_key, target, position, source)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Table, rec.Key, string(rec.Type), mods, oldObj,
		rec.FromKey, rec.Target, rec.Position, rec.Source)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "append change record", err)
	}
	rev, err := res.LastInsertId()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "read change rev", err)
	}
	rec.Rev = rev
	return nil
}

// ChangesFor returns the change records for the given keys of one table in
// insertion order. When source is non-empty only records written with that
// source are returned.
func (t *Tx) ChangesFor(table string, keys []string, source string) ([]models.ChangeRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	q := `SELECT rev, tbl, key, type, mods, old_obj, from_key, target, position, source
	      FROM change_log WHERE tbl = ? AND key IN (` + placeholders + `)`
	args := make([]interface{}, 0, len(keys)+2)
	args = append(args, table)
	for _, k := range keys {
		args = append(args, k)
	}
	if source != "" {
		q += ` AND source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY rev`
	return t.queryChanges(q, args...)
}

// PendingChanges returns up to limit change records written with the given
// source, oldest first. This is the feed the drain process replays against
// the server.
func (t *Tx) PendingChanges(source string, limit int) ([]models.ChangeRecord, error) {
	if source == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "source is required")
	}
	q := `SELECT rev, tbl, key, type, mods, old_obj, from_key, target, position, source
	      FROM change_log WHERE source = ? ORDER BY rev LIMIT ?`
	return t.queryChanges(q, source, limit)
}

// ClearChanges removes drained records of one source up to and including rev.
func (t *Tx) ClearChanges(source string, upTo int64) error {
	if t.tables == nil {
		return apperrors.New(apperrors.ErrValidation, "write attempted in read-only transaction")
	}
	_, err := t.tx.Exec(`DELETE FROM change_log WHERE source = ? AND rev <= ?`, source, upTo)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear change records", err)
	}
	return nil
}

func (t *Tx) queryChanges(q string, args ...interface{}) ([]models.ChangeRecord, error) {
	rows, err := t.tx.Query(q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query change records", err)
	}
	defer rows.Close()

	var out []models.ChangeRecord
	for rows.Next() {
		var rec models.ChangeRecord
		var typ string
		var mods, oldObj []byte
		if err := rows.Scan(&rec.Rev, &rec.Table, &rec.Key, &typ, &mods, &oldObj,
			&rec.FromKey, &rec.Target, &rec.Position, &rec.Source); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan change record", err)
		}
		rec.Type = models.ChangeType(typ)
		if rec.Mods, err = decodeAttrs(mods); err != nil {
			return nil, err
		}
		if rec.OldObj, err = decodeAttrs(oldObj); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate change records", err)
	}
	return out, nil
}

func encodeAttrs(a models.Attrs) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "encode change payload", err)
	}
	return data, nil
}

func decodeAttrs(data []byte) (models.Attrs, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var a models.Attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode change payload", err)
	}
	return a, nil
}
