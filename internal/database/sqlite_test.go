package database_test

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/televore/internal/database"
	"github.com/bryan-buckman/televore/internal/model"
)

const group = "https://t.me/news_room"

func openSQLite(t *testing.T, path string, maxParams int) *database.DB {
	t.Helper()
	db, err := database.New(path, maxParams, nil)
	require.NoError(t, err)
	return db
}

func message(id int, ts time.Time, ref string) model.Message {
	text := "message " + strconv.Itoa(id)
	m := model.Message{
		MessageID:   strconv.Itoa(id),
		GroupID:     group,
		MessageText: &text,
		MessageType: model.MessageText,
		Timestamp:   ts,
		InsertTime:  ts.Add(time.Hour),
		Source:      model.SourceTelegram,
		Links:       []string{},
	}
	if ref != "" {
		m.TelegramSourceURL = &ref
	}
	return m
}

func TestSQLiteAppendIsIdempotent(t *testing.T) {
	t.Parallel()

	db := openSQLite(t, filepath.Join(t.TempDir(), "t.db"), 0)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	batch := []model.Message{
		message(1, ts, "@cool_group_99"),
		message(2, ts.Add(time.Minute), ""),
		message(3, ts.Add(2*time.Minute), "@cool_group_99"),
	}
	n, err := db.AppendMessages(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = db.AppendMessages(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = db.AppendMessages(ctx, append(batch, message(4, ts.Add(3*time.Minute), "")))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	refs, err := db.DistinctSourceRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"@cool_group_99"}, refs)
}

func TestSQLiteExistingKeysAcrossChunks(t *testing.T) {
	t.Parallel()

	// Three bind parameters leave room for two ids per query.
	db := openSQLite(t, filepath.Join(t.TempDir(), "t.db"), 3)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	_, err := db.AppendMessages(ctx, []model.Message{message(1, ts, ""), message(3, ts, ""), message(5, ts, "")})
	require.NoError(t, err)

	var keys []model.Key
	for id := 1; id <= 5; id++ {
		keys = append(keys, model.Key{MessageID: strconv.Itoa(id), GroupID: group})
	}
	keys = append(keys, model.Key{MessageID: "1", GroupID: "https://t.me/other_room"})

	found, err := db.ExistingKeys(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, map[model.Key]struct{}{
		{MessageID: "1", GroupID: group}: {},
		{MessageID: "3", GroupID: group}: {},
		{MessageID: "5", GroupID: group}: {},
	}, found)
}

func TestSQLiteWatermarkNeverRegresses(t *testing.T) {
	t.Parallel()

	db := openSQLite(t, filepath.Join(t.TempDir(), "t.db"), 0)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	created, err := db.RegisterEntity(ctx, group)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = db.RegisterEntity(ctx, group)
	require.NoError(t, err)
	assert.False(t, created)

	wm, err := db.GetWatermark(ctx, group)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Nil(t, wm.LastFetchTime)
	assert.True(t, wm.IsFirstTime)

	newer := time.Date(2024, 1, 20, 8, 0, 0, 0, time.UTC)
	older := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpsertWatermark(ctx, group, newer))
	require.NoError(t, db.UpsertWatermark(ctx, group, older))

	wm, err = db.GetWatermark(ctx, group)
	require.NoError(t, err)
	require.NotNil(t, wm.LastFetchTime)
	assert.True(t, newer.Equal(*wm.LastFetchTime), "got %s", wm.LastFetchTime)
	assert.False(t, wm.IsFirstTime)

	// Registering a tracked entity leaves its watermark alone.
	created, err = db.RegisterEntity(ctx, group)
	require.NoError(t, err)
	assert.False(t, created)

	wms, err := db.ListWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, wms, 1)
	require.NotNil(t, wms[0].LastFetchTime)
	assert.True(t, newer.Equal(*wms[0].LastFetchTime))

	missing, err := db.GetWatermark(ctx, "https://t.me/unknown_room")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "t.db")
	ctx := context.Background()
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	db := openSQLite(t, path, 0)
	_, err := db.AppendMessages(ctx, []model.Message{message(1, ts, "")})
	require.NoError(t, err)
	require.NoError(t, db.UpsertWatermark(ctx, group, ts))
	require.NoError(t, db.Close())

	// Migrations are already applied, so opening again is a no-op migration.
	db = openSQLite(t, path, 0)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	ids, err := db.ListEntityIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{group}, ids)

	n, err := db.AppendMessages(ctx, []model.Message{message(1, ts, "")})
	require.NoError(t, err)
	assert.Zero(t, n)
}
