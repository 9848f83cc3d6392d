// Package resource provides the public CRUD surface over the local store
// and the remote API. Each entity type gets one Resource combining a
// local-read path and a remote-fetch path, with pending local changes merged
// into freshly fetched server data before it is committed.
package resource

import (
	"context"
	"time"

	"github.com/lcwei/shelfsync/internal/changes"
	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/logging"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/store"
	"github.com/lcwei/shelfsync/internal/uuid"
)

// DefaultRefreshInterval is how long a fetched record stays fresh before a
// read triggers a background revalidation.
const DefaultRefreshInterval = 5 * time.Minute

// RemoteFetcher is the network capability of a resource. It is satisfied by
// the direct API client and by the cross-context request broker, so a
// resource does not care which context performs the round trip.
type RemoteFetcher interface {
	FetchModel(ctx context.Context, urlName, id string) (models.Attrs, error)
	FetchCollection(ctx context.Context, urlName string, params map[string]interface{}) ([]models.Attrs, error)
}

// MoveReplayer re-applies a pending move against freshly fetched data.
// Tree resources provide one; flat resources leave it nil.
type MoveReplayer interface {
	ReplayMove(tx *store.Tx, rec models.ChangeRecord) error
}

// Config carries the construction parameters of a Resource.
type Config struct {
	Table           store.TableSpec
	URLName         string
	Store           *store.Store
	Fetcher         RemoteFetcher
	Session         *models.Session
	RefreshInterval time.Duration
}

// Resource is the per-entity-type façade. It holds the local-persistence and
// remote-fetch capabilities as separate values and delegates to each.
type Resource struct {
	table    store.TableSpec
	urlName  string
	store    *store.Store
	fetcher  RemoteFetcher
	session  *models.Session
	tracker  *changes.Tracker
	refresh  time.Duration
	replayer MoveReplayer
}

// New creates a Resource for one entity type.
func New(cfg Config) *Resource {
	refresh := cfg.RefreshInterval
	if refresh == 0 {
		refresh = DefaultRefreshInterval
	}
	return &Resource{
		table:   cfg.Table,
		urlName: cfg.URLName,
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		session: cfg.Session,
		tracker: changes.NewTracker(cfg.Session),
		refresh: refresh,
	}
}

// SetMoveReplayer installs the move replay hook used during fetch
// reconciliation. Only tree resources need one.
func (r *Resource) SetMoveReplayer(mr MoveReplayer) {
	r.replayer = mr
}

// Table returns the resource's table name.
func (r *Resource) Table() string {
	return r.table.Name
}

// Store returns the underlying local store.
func (r *Resource) Store() *store.Store {
	return r.store
}

// Session returns the execution context identity.
func (r *Resource) Session() *models.Session {
	return r.session
}

// Tracker returns the change tracker bound to this resource's session.
func (r *Resource) Tracker() *changes.Tracker {
	return r.tracker
}

// Get returns the record by primary key. On a local miss it fetches from the
// server, persists the result as a fetch-origin write, and returns it.
func (r *Resource) Get(ctx context.Context, id string) (models.Attrs, error) {
	if id == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "id is required")
	}
	var row *store.Row
	err := r.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		row, err = tx.Get(r.table.Name, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row.Obj, nil
	}

	if r.fetcher == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", r.table.Name, id)
	}
	obj, err := r.fetcher.FetchModel(ctx, r.urlName, id)
	if err != nil {
		return nil, err
	}
	reconciled, err := r.reconcileFetched(ctx, []models.Attrs{obj})
	if err != nil {
		return nil, err
	}
	if len(reconciled) == 0 {
		// Locally deleted; the fetch must not resurrect it.
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", r.table.Name, id)
	}
	return reconciled[0], nil
}

// Where resolves params against the local store. An empty local result
// triggers a blocking collection fetch; a non-empty result containing any
// stale record returns immediately while a background refetch revalidates.
func (r *Resource) Where(ctx context.Context, params map[string]interface{}) ([]models.Attrs, error) {
	var rows []store.Row
	err := r.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.Where(r.table.Name, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		if r.fetcher == nil {
			return nil, nil
		}
		fetched, err := r.fetcher.FetchCollection(ctx, r.urlName, params)
		if err != nil {
			return nil, err
		}
		return r.reconcileFetched(ctx, fetched)
	}

	out := make([]models.Attrs, len(rows))
	stale := false
	for i, row := range rows {
		out[i] = row.Obj
		if row.Stale(r.refresh) {
			stale = true
		}
	}
	if stale && r.fetcher != nil {
		go r.refreshInBackground(params)
	}
	return out, nil
}

// refreshInBackground revalidates a stale query result. It is fire and
// forget: the caller already has its answer, and a failed refresh is logged
// and swallowed so the UI is never blocked by revalidation.
func (r *Resource) refreshInBackground(params map[string]interface{}) {
	ctx := context.Background()
	fetched, err := r.fetcher.FetchCollection(ctx, r.urlName, params)
	if err != nil {
		logging.Warn("background refresh failed", map[string]interface{}{
			"table": r.table.Name,
			"error": err.Error(),
		})
		return
	}
	if _, err := r.reconcileFetched(ctx, fetched); err != nil {
		logging.Warn("background refresh reconciliation failed", map[string]interface{}{
			"table": r.table.Name,
			"error": err.Error(),
		})
	}
}

// Create persists a new locally created object and records a CREATED change.
// When the object has no primary key yet, a random one is assigned. The
// transient new marker never reaches storage.
func (r *Resource) Create(ctx context.Context, obj models.Attrs) (models.Attrs, error) {
	if obj == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "object is required")
	}
	obj = obj.Clone()
	if obj.String(r.table.PrimaryKey) == "" {
		obj[r.table.PrimaryKey] = uuid.New()
	}
	key := obj.String(r.table.PrimaryKey)

	err := r.store.WriteTx(ctx, r.session.ClientID, []string{r.table.Name}, func(tx *store.Tx) error {
		if err := tx.Put(r.table.Name, obj); err != nil {
			return err
		}
		return r.tracker.Created(tx, r.table.Name, key, obj)
	})
	if err != nil {
		return nil, err
	}
	obj.StripNew()
	return obj, nil
}

// Update applies mods to an existing record and records an UPDATED change
// carrying the pre-update object.
func (r *Resource) Update(ctx context.Context, id string, mods models.Attrs) (models.Attrs, error) {
	if id == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "id is required")
	}
	var updated models.Attrs
	err := r.store.WriteTx(ctx, r.session.ClientID, []string{r.table.Name}, func(tx *store.Tx) error {
		row, err := tx.Get(r.table.Name, id)
		if err != nil {
			return err
		}
		if row == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", r.table.Name, id)
		}
		updated = row.Obj.Merge(mods)
		if err := tx.Put(r.table.Name, updated); err != nil {
			return err
		}
		return r.tracker.Updated(tx, r.table.Name, id, mods, row.Obj)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a record and records a DELETED change with the old object.
func (r *Resource) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.New(apperrors.ErrValidation, "id is required")
	}
	return r.store.WriteTx(ctx, r.session.ClientID, []string{r.table.Name}, func(tx *store.Tx) error {
		row, err := tx.Get(r.table.Name, id)
		if err != nil {
			return err
		}
		if row == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", r.table.Name, id)
		}
		if err := tx.Delete(r.table.Name, id); err != nil {
			return err
		}
		return r.tracker.Deleted(tx, r.table.Name, id, row.Obj)
	})
}
