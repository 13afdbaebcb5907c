package runstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/intake"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(id string) bulk.Snapshot {
	run := bulk.Run{ID: id, SessionID: "s1", Total: 2, Processed: 1, Succeeded: 1, StartedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	return bulk.Snapshot{
		Run:      run,
		Progress: run.ProgressPercent(),
		Failed:   run.Failed(),
		Items: []bulk.ItemView{
			{
				ID:     "item_1",
				Status: bulk.StatusCompleted,
				Photos: []intake.Preview{{URL: "data:image/jpeg;base64,AAAA", Name: "a.jpg", Size: 3, Type: "image/jpeg"}},
				Generated: &listing.Listing{
					ID:      "l1",
					Title:   "Oak Chair",
					Price:   45,
					Status:  listing.StatusDraft,
					Photos:  []listing.Photo{{URL: "data:image/jpeg;base64,AAAA", Name: "a.jpg"}},
					Details: &listing.FbDetails{Title: "Oak Chair", Price: 45, Condition: listing.FbConditionGood},
				},
			},
			{ID: "item_2", Status: bulk.StatusError, Error: "rate limited", Photos: []intake.Preview{}},
		},
	}
}

func assertSlimmed(t *testing.T, got *bulk.Snapshot) {
	t.Helper()
	require.Len(t, got.Items, 2)
	assert.Equal(t, 50.0, got.Progress)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, "rate limited", got.Items[1].Error)

	first := got.Items[0]
	assert.Equal(t, "a.jpg", first.Photos[0].Name)
	assert.Empty(t, first.Photos[0].URL)
	require.NotNil(t, first.Generated)
	assert.Equal(t, "Oak Chair", first.Generated.Title)
	assert.Empty(t, first.Generated.Photos[0].URL)
	assert.Equal(t, listing.TypeFacebook, first.Generated.Type())
}

func TestMemory_SaveGet(t *testing.T) {
	m := NewMemory(time.Hour)
	snap := snapshot("r1")
	require.NoError(t, m.Save(context.Background(), snap))

	got, err := m.Get(context.Background(), "r1")
	require.NoError(t, err)
	assertSlimmed(t, got)

	// The caller's snapshot keeps its photo data.
	assert.NotEmpty(t, snap.Items[0].Photos[0].URL)
	assert.NotEmpty(t, snap.Items[0].Generated.Photos[0].URL)

	_, err = m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Save(context.Background(), snapshot("r1")))
	now = now.Add(2 * time.Minute)

	_, err := m.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Save(context.Background(), snapshot("r2")))
	assert.NotContains(t, m.runs, "r1")
}

func TestMemory_LatestSnapshotWins(t *testing.T) {
	m := NewMemory(0)
	snap := snapshot("r1")
	require.NoError(t, m.Save(context.Background(), snap))

	snap.Run.Processed = 2
	snap.Run.CompletedAt = time.Now()
	require.NoError(t, m.Save(context.Background(), snap))

	got, err := m.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Run.Processed)
	assert.True(t, got.Run.Done())
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWithClient(client, time.Hour), mr
}

func TestRedis_SaveGet(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, snapshot("r1")))
	assert.True(t, mr.Exists("shelfie:run:r1"))
	assert.Equal(t, time.Hour, mr.TTL("shelfie:run:r1"))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.Run.ID)
	assert.Equal(t, "s1", got.Run.SessionID)
	assertSlimmed(t, got)
}

func TestRedis_NotFoundAndExpiry(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, snapshot("r1")))
	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_CorruptValue(t *testing.T) {
	store, mr := newTestRedis(t)
	require.NoError(t, mr.Set("shelfie:run:bad", "{not json"))

	_, err := store.Get(context.Background(), "bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", time.Minute)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Save(context.Background(), snapshot("r1")))

	_, err = NewRedis(context.Background(), "not a url", time.Minute)
	assert.Error(t, err)
}
