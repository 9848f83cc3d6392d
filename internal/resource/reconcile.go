package resource

import (
	"context"
	"time"

	"github.com/lcwei/shelfsync/internal/changes"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/store"
)

// reconcileFetched commits a batch of fetched server data, merging pending
// local changes first so in-flight edits are not clobbered by a stale fetch:
//
//   - a pending CREATED wins wholesale over a fetch that does not yet know
//     the object exists (the fetched content is discarded but the key's
//     last-fetched marker is still stamped)
//   - a pending UPDATED overlays its mods onto the fetched object
//   - a pending DELETED drops the item from the batch entirely; server
//     state must not resurrect a locally deleted object
//
// After the bulk fetch-origin write, pending MOVED records for the batch are
// replayed, because fetched tree position would otherwise overwrite a
// pending local move. Position is tracked separately from attributes, hence
// the two phases.
func (r *Resource) reconcileFetched(ctx context.Context, fetched []models.Attrs) ([]models.Attrs, error) {
	if len(fetched) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(fetched))
	for _, obj := range fetched {
		if k := obj.String(r.table.PrimaryKey); k != "" {
			keys = append(keys, k)
		}
	}

	now := time.Now().Unix()
	var out []models.Attrs
	err := r.store.WriteTx(ctx, models.FetchSource, []string{r.table.Name}, func(tx *store.Tx) error {
		pending, err := tx.ChangesFor(r.table.Name, keys, r.session.ClientID)
		if err != nil {
			return err
		}
		merged := changes.Merge(pending)

		for _, obj := range fetched {
			key := obj.String(r.table.PrimaryKey)
			if key == "" {
				continue
			}
			if _, ok := merged.Get(models.ChangeDeleted, key); ok {
				continue
			}
			if created, ok := merged.Get(models.ChangeCreated, key); ok {
				obj = created.Mods.Clone()
			} else if updated, ok := merged.Get(models.ChangeUpdated, key); ok {
				obj = obj.Merge(updated.Mods)
			}
			if err := tx.PutFetched(r.table.Name, obj, now); err != nil {
				return err
			}
			out = append(out, obj)
		}

		if r.replayer != nil {
			for _, rec := range merged[models.ChangeMoved] {
				if err := r.replayer.ReplayMove(tx, rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
