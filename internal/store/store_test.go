package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/models"
)

const testClientID = "client-1"

// setupTestStore creates an in-memory store with the tables used across the
// store tests.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := New(db, &models.Session{ClientID: testClientID},
		TableSpec{Name: "channels", PrimaryKey: "id", Indexed: []string{"name"}},
		TableSpec{
			Name:       "contentnodes",
			PrimaryKey: "id",
			Indexed:    []string{"parent", "tree_id"},
			Compound:   [][]string{{"parent", "lft"}},
		},
	)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return st
}

func putObj(t *testing.T, st *Store, table string, obj models.Attrs) {
	t.Helper()
	err := st.WriteTx(context.Background(), testClientID, []string{table}, func(tx *Tx) error {
		return tx.Put(table, obj)
	})
	if err != nil {
		t.Fatalf("Failed to put object: %v", err)
	}
}

func TestPutGet(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	putObj(t, st, "channels", models.Attrs{"id": "c1", "name": "Science"})

	err := st.ReadTx(ctx, func(tx *Tx) error {
		row, err := tx.Get("channels", "c1")
		if err != nil {
			return err
		}
		if row == nil {
			t.Fatal("Expected row, got nil")
		}
		if row.Obj.String("name") != "Science" {
			t.Errorf("Expected name Science, got %q", row.Obj.String("name"))
		}
		if row.LastFetched != 0 {
			t.Errorf("Expected zero last_fetched for local write, got %d", row.LastFetched)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	st := setupTestStore(t)

	err := st.ReadTx(context.Background(), func(tx *Tx) error {
		row, err := tx.Get("channels", "nope")
		if err != nil {
			return err
		}
		if row != nil {
			t.Errorf("Expected nil for missing key, got %+v", row)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestGetEmptyKeyIsValidationError(t *testing.T) {
	st := setupTestStore(t)

	err := st.ReadTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Get("channels", "")
		return err
	})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestPutStripsNewMarker(t *testing.T) {
	st := setupTestStore(t)

	putObj(t, st, "channels", models.Attrs{"id": "c1", "name": "Math", models.NewMarker: true})

	err := st.ReadTx(context.Background(), func(tx *Tx) error {
		row, err := tx.Get("channels", "c1")
		if err != nil {
			return err
		}
		if _, ok := row.Obj[models.NewMarker]; ok {
			t.Error("Transient new marker must never be persisted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestPutFetchedStampsTimestamp(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	fetchedAt := time.Now().Unix()

	err := st.WriteTx(ctx, models.FetchSource, []string{"channels"}, func(tx *Tx) error {
		return tx.PutFetched("channels", models.Attrs{"id": "c1", "name": "History"}, fetchedAt)
	})
	if err != nil {
		t.Fatalf("PutFetched failed: %v", err)
	}

	err = st.ReadTx(ctx, func(tx *Tx) error {
		row, err := tx.Get("channels", "c1")
		if err != nil {
			return err
		}
		if row.LastFetched != fetchedAt {
			t.Errorf("Expected last_fetched %d, got %d", fetchedAt, row.LastFetched)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	// A plain Put afterwards keeps the stamp.
	putObj(t, st, "channels", models.Attrs{"id": "c1", "name": "History II"})
	err = st.ReadTx(ctx, func(tx *Tx) error {
		row, err := tx.Get("channels", "c1")
		if err != nil {
			return err
		}
		if row.LastFetched != fetchedAt {
			t.Errorf("Put should preserve last_fetched, got %d", row.LastFetched)
		}
		if row.Obj.String("name") != "History II" {
			t.Errorf("Expected updated name, got %q", row.Obj.String("name"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestRowStale(t *testing.T) {
	interval := 10 * time.Minute

	fresh := Row{LastFetched: time.Now().Unix()}
	if fresh.Stale(interval) {
		t.Error("Freshly fetched row should not be stale")
	}

	old := Row{LastFetched: time.Now().Add(-time.Hour).Unix()}
	if !old.Stale(interval) {
		t.Error("Hour-old row should be stale")
	}

	never := Row{LastFetched: 0}
	if never.Stale(interval) {
		t.Error("Never-fetched row has nothing to revalidate")
	}
}

func TestWriteTxRollsBackOnError(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WriteTx(ctx, testClientID, []string{"channels"}, func(tx *Tx) error {
		if err := tx.Put("channels", models.Attrs{"id": "c1", "name": "Doomed"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	err = st.ReadTx(ctx, func(tx *Tx) error {
		row, err := tx.Get("channels", "c1")
		if err != nil {
			return err
		}
		if row != nil {
			t.Error("Rolled-back write must not be visible")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestWriteUndeclaredTableFails(t *testing.T) {
	st := setupTestStore(t)

	err := st.WriteTx(context.Background(), testClientID, []string{"channels"}, func(tx *Tx) error {
		return tx.Put("contentnodes", models.Attrs{"id": "n1"})
	})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for undeclared table, got %v", err)
	}
}

func TestByFieldRejectsMalformedFieldName(t *testing.T) {
	st := setupTestStore(t)

	err := st.ReadTx(context.Background(), func(tx *Tx) error {
		if _, err := tx.ByField("contentnodes", "parent') --", "root"); !apperrors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Expected validation error from ByField, got %v", err)
		}
		if _, err := tx.ByFieldIn("contentnodes", "id' OR '1", []interface{}{"n1"}); !apperrors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Expected validation error from ByFieldIn, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestAppendChangeAssignsRevInOrder(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	var revs []int64
	err := st.WriteTx(ctx, testClientID, []string{"channels"}, func(tx *Tx) error {
		for _, typ := range []models.ChangeType{models.ChangeCreated, models.ChangeUpdated, models.ChangeDeleted} {
			rec := &models.ChangeRecord{Table: "channels", Key: "c1", Type: typ}
			if err := tx.AppendChange(rec); err != nil {
				return err
			}
			revs = append(revs, rec.Rev)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	for i := 1; i < len(revs); i++ {
		if revs[i] <= revs[i-1] {
			t.Errorf("Revs must increase: %v", revs)
		}
	}

	err = st.ReadTx(ctx, func(tx *Tx) error {
		recs, err := tx.ChangesFor("channels", []string{"c1"}, "")
		if err != nil {
			return err
		}
		if len(recs) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(recs))
		}
		if recs[0].Type != models.ChangeCreated || recs[2].Type != models.ChangeDeleted {
			t.Errorf("Insertion order not preserved: %+v", recs)
		}
		if recs[0].Source != testClientID {
			t.Errorf("Source should come from the transaction, got %q", recs[0].Source)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestChangesForFiltersBySource(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	appendRec := func(source string) {
		err := st.WriteTx(ctx, source, []string{"channels"}, func(tx *Tx) error {
			return tx.AppendChange(&models.ChangeRecord{Table: "channels", Key: "c1", Type: models.ChangeUpdated})
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	appendRec(testClientID)
	appendRec(models.FetchSource)
	appendRec(models.IgnoredSource)

	err := st.ReadTx(ctx, func(tx *Tx) error {
		local, err := tx.ChangesFor("channels", []string{"c1"}, testClientID)
		if err != nil {
			return err
		}
		if len(local) != 1 {
			t.Errorf("Expected 1 local record, got %d", len(local))
		}
		all, err := tx.ChangesFor("channels", []string{"c1"}, "")
		if err != nil {
			return err
		}
		if len(all) != 3 {
			t.Errorf("Expected 3 records total, got %d", len(all))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestPendingAndClearChanges(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	var lastRev int64
	err := st.WriteTx(ctx, testClientID, []string{"channels"}, func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			rec := &models.ChangeRecord{Table: "channels", Key: "c1", Type: models.ChangeUpdated}
			if err := tx.AppendChange(rec); err != nil {
				return err
			}
			lastRev = rec.Rev
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	err = st.WriteTx(ctx, models.IgnoredSource, nil, func(tx *Tx) error {
		return tx.ClearChanges(testClientID, lastRev-1)
	})
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	err = st.ReadTx(ctx, func(tx *Tx) error {
		pending, err := tx.PendingChanges(testClientID, 10)
		if err != nil {
			return err
		}
		if len(pending) != 1 {
			t.Fatalf("Expected 1 pending record after clear, got %d", len(pending))
		}
		if pending[0].Rev != lastRev {
			t.Errorf("Expected surviving rev %d, got %d", lastRev, pending[0].Rev)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}

func TestDelete(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	putObj(t, st, "channels", models.Attrs{"id": "c1", "name": "Art"})

	err := st.WriteTx(ctx, testClientID, []string{"channels"}, func(tx *Tx) error {
		return tx.Delete("channels", "c1")
	})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	err = st.ReadTx(ctx, func(tx *Tx) error {
		row, err := tx.Get("channels", "c1")
		if err != nil {
			return err
		}
		if row != nil {
			t.Error("Deleted row still present")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
}
