package resource

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/store"
)

const testClientID = "client-1"

// fakeFetcher is a scriptable RemoteFetcher that counts round trips.
type fakeFetcher struct {
	mu          sync.Mutex
	model       models.Attrs
	collection  []models.Attrs
	err         error
	modelCalls  int
	collCalls   int
	fetchedColl chan struct{}
}

func (f *fakeFetcher) FetchModel(ctx context.Context, urlName, id string) (models.Attrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.model.Clone(), nil
}

func (f *fakeFetcher) FetchCollection(ctx context.Context, urlName string, params map[string]interface{}) ([]models.Attrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collCalls++
	if f.fetchedColl != nil {
		close(f.fetchedColl)
		f.fetchedColl = nil
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Attrs, len(f.collection))
	for i, obj := range f.collection {
		out[i] = obj.Clone()
	}
	return out, nil
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modelCalls, f.collCalls
}

func setupResource(t *testing.T, fetcher RemoteFetcher) *Resource {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	spec := store.TableSpec{
		Name:       "channels",
		PrimaryKey: "id",
		Indexed:    []string{"name"},
	}
	session := &models.Session{ClientID: testClientID}
	st := store.New(db, session, spec)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return New(Config{
		Table:   spec,
		URLName: "channel",
		Store:   st,
		Fetcher: fetcher,
		Session: session,
	})
}

func TestGetReturnsLocalWithoutFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	res := setupResource(t, fetcher)
	ctx := context.Background()

	if _, err := res.Create(ctx, models.Attrs{"id": "c1", "name": "Math"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	obj, err := res.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if obj["name"] != "Math" {
		t.Errorf("Expected local record, got %v", obj)
	}
	if n, _ := fetcher.calls(); n != 0 {
		t.Errorf("Expected no fetch for a local hit, got %d", n)
	}
}

func TestGetFetchesAndPersistsOnMiss(t *testing.T) {
	fetcher := &fakeFetcher{model: models.Attrs{"id": "c1", "name": "Science"}}
	res := setupResource(t, fetcher)
	ctx := context.Background()

	obj, err := res.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if obj["name"] != "Science" {
		t.Errorf("Expected fetched record, got %v", obj)
	}

	// A second read is served locally.
	if _, err := res.Get(ctx, "c1"); err != nil {
		t.Fatalf("Second Get failed: %v", err)
	}
	if n, _ := fetcher.calls(); n != 1 {
		t.Errorf("Expected exactly one fetch, got %d", n)
	}
}

func TestGetDoesNotResurrectLocallyDeleted(t *testing.T) {
	fetcher := &fakeFetcher{model: models.Attrs{"id": "c1", "name": "Science"}}
	res := setupResource(t, fetcher)
	ctx := context.Background()

	if _, err := res.Create(ctx, models.Attrs{"id": "c1", "name": "Science"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := res.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err := res.Get(ctx, "c1")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not-found after local deletion, got %v", err)
	}
}

func TestCreateAssignsPrimaryKey(t *testing.T) {
	res := setupResource(t, nil)

	obj, err := res.Create(context.Background(), models.Attrs{"name": "History", models.NewMarker: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if obj.String("id") == "" {
		t.Error("Expected a generated primary key")
	}
	if _, ok := obj[models.NewMarker]; ok {
		t.Error("Expected new marker stripped from returned object")
	}
}

func TestUpdateMergesMods(t *testing.T) {
	res := setupResource(t, nil)
	ctx := context.Background()

	if _, err := res.Create(ctx, models.Attrs{"id": "c1", "name": "Math", "lang": "en"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	updated, err := res.Update(ctx, "c1", models.Attrs{"name": "Maths"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated["name"] != "Maths" || updated["lang"] != "en" {
		t.Errorf("Expected merged object, got %v", updated)
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	res := setupResource(t, nil)

	_, err := res.Update(context.Background(), "ghost", models.Attrs{"name": "x"})
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestWhereEmptyLocalFetchesBlocking(t *testing.T) {
	fetcher := &fakeFetcher{collection: []models.Attrs{
		{"id": "c1", "name": "Math"},
		{"id": "c2", "name": "Science"},
	}}
	res := setupResource(t, fetcher)

	objs, err := res.Where(context.Background(), map[string]interface{}{"name": "Math"})
	if err != nil {
		t.Fatalf("Where failed: %v", err)
	}
	if len(objs) != 2 {
		t.Errorf("Expected fetched collection, got %v", objs)
	}
	if _, n := fetcher.calls(); n != 1 {
		t.Errorf("Expected one blocking collection fetch, got %d", n)
	}
}

func TestWhereStaleTriggersBackgroundRefresh(t *testing.T) {
	signal := make(chan struct{})
	fetcher := &fakeFetcher{
		collection:  []models.Attrs{{"id": "c1", "name": "Math"}},
		fetchedColl: signal,
	}
	res := setupResource(t, fetcher)
	ctx := context.Background()

	// Seed a record fetched long ago so any read sees it as stale.
	old := time.Now().Add(-time.Hour).Unix()
	err := res.Store().WriteTx(ctx, models.FetchSource, []string{"channels"}, func(tx *store.Tx) error {
		return tx.PutFetched("channels", models.Attrs{"id": "c1", "name": "Math"}, old)
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	objs, err := res.Where(ctx, map[string]interface{}{"name": "Math"})
	if err != nil {
		t.Fatalf("Where failed: %v", err)
	}
	if len(objs) != 1 {
		t.Fatalf("Expected the stale local record returned immediately, got %v", objs)
	}

	select {
	case <-signal:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a background revalidation fetch")
	}
}

func TestWhereFreshLocalSkipsRefresh(t *testing.T) {
	fetcher := &fakeFetcher{}
	res := setupResource(t, fetcher)
	ctx := context.Background()

	err := res.Store().WriteTx(ctx, models.FetchSource, []string{"channels"}, func(tx *store.Tx) error {
		return tx.PutFetched("channels", models.Attrs{"id": "c1", "name": "Math"}, time.Now().Unix())
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	if _, err := res.Where(ctx, map[string]interface{}{"name": "Math"}); err != nil {
		t.Fatalf("Where failed: %v", err)
	}
	if _, n := fetcher.calls(); n != 0 {
		t.Errorf("Expected no refetch for fresh data, got %d", n)
	}
}

func TestLocallyCreatedNeverStale(t *testing.T) {
	fetcher := &fakeFetcher{}
	res := setupResource(t, fetcher)
	ctx := context.Background()

	if _, err := res.Create(ctx, models.Attrs{"id": "c1", "name": "Math"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := res.Where(ctx, map[string]interface{}{"name": "Math"}); err != nil {
		t.Fatalf("Where failed: %v", err)
	}
	if _, n := fetcher.calls(); n != 0 {
		t.Errorf("Expected no refetch for never-fetched local data, got %d", n)
	}
}
