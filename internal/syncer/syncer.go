// Package syncer drains the local change log to the remote API. Only
// records written by this context's client are eligible; fetch-origin and
// bookkeeping records never leave the store.
package syncer

import (
	"context"
	"sort"
	"time"

	"github.com/lcwei/shelfsync/internal/changes"
	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/logging"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/store"
)

// Remote is the replay surface of the remote API. Satisfied by api.Client.
type Remote interface {
	Create(ctx context.Context, urlName string, obj models.Attrs) error
	Update(ctx context.Context, urlName, id string, mods models.Attrs) error
	Delete(ctx context.Context, urlName, id string) error
	Copy(ctx context.Context, urlName, id, fromKey string, mods models.Attrs) error
	Move(ctx context.Context, urlName, id, target, position string) error
}

// drainLimit bounds how many change records one pass reads.
const drainLimit = 200

// Backoff bounds, in seconds.
const (
	baseBackoffSeconds = 60
	maxBackoffSeconds  = 3600
)

// Syncer periodically replays merged local changes against the server and
// clears them on success.
type Syncer struct {
	store    *store.Store
	remote   Remote
	session  *models.Session
	urlNames map[string]string // table -> urlName
	interval time.Duration

	retries int
}

// New creates a Syncer. urlNames maps each synced table to its remote
// endpoint name.
func New(st *store.Store, remote Remote, session *models.Session, urlNames map[string]string, interval time.Duration) *Syncer {
	return &Syncer{
		store:    st,
		remote:   remote,
		session:  session,
		urlNames: urlNames,
		interval: interval,
	}
}

// Run drains on a fixed interval, backing off exponentially after failures,
// until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		delay := s.interval
		if s.retries > 0 {
			delay = backoff(s.retries)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		n, err := s.DrainOnce(ctx)
		if err != nil {
			s.retries++
			logging.Warn("change-log drain failed", map[string]interface{}{
				"error":   err.Error(),
				"retries": s.retries,
			})
			continue
		}
		s.retries = 0
		if n > 0 {
			logging.Info("drained change log", map[string]interface{}{"changes": n})
		}
	}
}

// DrainOnce reads one batch of pending local changes, merges them per table
// and key, replays the effective operations in causal order, and clears the
// batch. It returns the number of effective operations replayed.
func (s *Syncer) DrainOnce(ctx context.Context) (int, error) {
	var pending []models.ChangeRecord
	err := s.store.ReadTx(ctx, func(tx *store.Tx) error {
		var err error
		pending, err = tx.PendingChanges(s.session.ClientID, drainLimit)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	byTable := make(map[string][]models.ChangeRecord)
	var maxRev int64
	for _, rec := range pending {
		byTable[rec.Table] = append(byTable[rec.Table], rec)
		if rec.Rev > maxRev {
			maxRev = rec.Rev
		}
	}

	var effective []models.ChangeRecord
	for _, recs := range byTable {
		effective = append(effective, changes.Merge(recs).Flatten()...)
	}
	sort.Slice(effective, func(i, j int) bool { return effective[i].Rev < effective[j].Rev })

	replayed := 0
	for _, rec := range effective {
		if err := s.replay(ctx, rec); err != nil {
			return replayed, err
		}
		replayed++
	}

	err = s.store.WriteTx(ctx, models.IgnoredSource, nil, func(tx *store.Tx) error {
		return tx.ClearChanges(s.session.ClientID, maxRev)
	})
	if err != nil {
		return replayed, err
	}
	return replayed, nil
}

func (s *Syncer) replay(ctx context.Context, rec models.ChangeRecord) error {
	urlName, ok := s.urlNames[rec.Table]
	if !ok {
		return apperrors.Newf(apperrors.ErrValidation, "no endpoint for table %q", rec.Table)
	}
	switch rec.Type {
	case models.ChangeCreated, models.ChangeCreatedRelation:
		return s.remote.Create(ctx, urlName, rec.Mods)
	case models.ChangeUpdated:
		return s.remote.Update(ctx, urlName, rec.Key, rec.Mods)
	case models.ChangeDeleted, models.ChangeDeletedRelation:
		return s.remote.Delete(ctx, urlName, rec.Key)
	case models.ChangeCopied:
		return s.remote.Copy(ctx, urlName, rec.Key, rec.FromKey, rec.Mods)
	case models.ChangeMoved:
		return s.remote.Move(ctx, urlName, rec.Key, rec.Target, rec.Position)
	}
	return apperrors.Newf(apperrors.ErrValidation, "unknown change type %q", rec.Type)
}

// backoff computes the retry delay: doubling per attempt, capped at an
// hour. The shift is clamped so long failure streaks cannot overflow the
// multiplication and wrap the delay to zero.
func backoff(retries int) time.Duration {
	shift := uint(retries - 1)
	if shift > 6 { // 60 << 6 already exceeds the hour cap
		shift = 6
	}
	seconds := int64(baseBackoffSeconds) << shift
	if seconds > maxBackoffSeconds {
		seconds = maxBackoffSeconds
	}
	return time.Duration(seconds) * time.Second
}
