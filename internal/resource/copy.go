package resource

import (
	"context"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/store"
	"github.com/lcwei/shelfsync/internal/uuid"
)

// copyBatchSize bounds how many objects a single bulk-copy transaction
// writes, keeping individual transactions small.
const copyBatchSize = 50

// Updater derives the modifications applied to a duplicate from its source
// object. A literal modification map can be lifted with Mods.
type Updater func(src models.Attrs) models.Attrs

// Mods lifts a literal modification map into an Updater.
func Mods(mods models.Attrs) Updater {
	return func(models.Attrs) models.Attrs {
		return mods
	}
}

// Query selects the source objects of a bulk copy: an already materialized
// slice, where-parameters resolved against the store, or a predicate scanned
// over the whole table.
type Query struct {
	Objects []models.Attrs
	Params  map[string]interface{}
	Filter  func(models.Attrs) bool
}

// Copy duplicates one record. The duplicate gets a fresh primary key and the
// updater's mods applied; the COPIED change record carries only the origin
// key and the mods, because the server replay reconstructs the copy from the
// origin and needs just the delta.
func (r *Resource) Copy(ctx context.Context, id string, updater Updater) (models.Attrs, error) {
	if id == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "id is required")
	}
	var dup models.Attrs
	err := r.store.WriteTx(ctx, r.session.ClientID, []string{r.table.Name}, func(tx *store.Tx) error {
		row, err := tx.Get(r.table.Name, id)
		if err != nil {
			return err
		}
		if row == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "copy source %s/%s not found", r.table.Name, id)
		}
		dup, err = r.copyOne(tx, row.Obj, updater)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dup, nil
}

// BulkCopy duplicates every object selected by the query, committing the new
// objects and their COPIED records atomically per bounded-size batch.
func (r *Resource) BulkCopy(ctx context.Context, query Query, updater Updater) ([]models.Attrs, error) {
	src, err := r.resolveQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	var out []models.Attrs
	for start := 0; start < len(src); start += copyBatchSize {
		end := start + copyBatchSize
		if end > len(src) {
			end = len(src)
		}
		batch := src[start:end]
		err := r.store.WriteTx(ctx, r.session.ClientID, []string{r.table.Name}, func(tx *store.Tx) error {
			for _, obj := range batch {
				dup, err := r.copyOne(tx, obj, updater)
				if err != nil {
					return err
				}
				out = append(out, dup)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// copyOne writes one duplicate and its COPIED record inside tx.
func (r *Resource) copyOne(tx *store.Tx, src models.Attrs, updater Updater) (models.Attrs, error) {
	var mods models.Attrs
	if updater != nil {
		mods = updater(src)
	}
	dup := src.Merge(mods)
	dup.StripNew()
	fromKey := src.String(r.table.PrimaryKey)
	newKey := uuid.New()
	dup[r.table.PrimaryKey] = newKey

	if err := tx.Put(r.table.Name, dup); err != nil {
		return nil, err
	}
	if err := r.tracker.Copied(tx, r.table.Name, newKey, fromKey, mods); err != nil {
		return nil, err
	}
	return dup, nil
}

func (r *Resource) resolveQuery(ctx context.Context, query Query) ([]models.Attrs, error) {
	if query.Objects != nil {
		return query.Objects, nil
	}
	var rows []store.Row
	err := r.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		if query.Params != nil {
			rows, err = tx.Where(r.table.Name, query.Params)
		} else {
			rows, err = tx.All(r.table.Name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Attrs, 0, len(rows))
	for _, row := range rows {
		if query.Filter != nil && !query.Filter(row.Obj) {
			continue
		}
		out = append(out, row.Obj)
	}
	return out, nil
}
