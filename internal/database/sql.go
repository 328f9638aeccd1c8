package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bryan-buckman/televore/internal/model"
)

const insertMessageSQL = `
	INSERT INTO telegram_messages (
		message_id, group_id, sender_id, sender_name, message_text, message_type,
		timestamp, insert_time, source, links, telegram_source_url, views, replies, forwards
	) VALUES (
		:message_id, :group_id, :sender_id, :sender_name, :message_text, :message_type,
		:timestamp, :insert_time, :source, :links, :telegram_source_url, :views, :replies, :forwards
	)
	ON CONFLICT (message_id, group_id) DO NOTHING`

const existingKeysSQL = `SELECT message_id FROM telegram_messages WHERE group_id = ? AND message_id IN (?)`

const distinctSourceRefsSQL = `
	SELECT DISTINCT telegram_source_url FROM telegram_messages
	WHERE telegram_source_url IS NOT NULL AND telegram_source_url <> ''
	ORDER BY telegram_source_url`

const getWatermarkSQL = `
	SELECT group_id, last_fetch_time, is_first_time
	FROM telegram_last_ingestion WHERE group_id = ?`

// upsertWatermarkSQL is a single conditional merge: the stored time only moves
// forward and is_first_time is cleared.
const upsertWatermarkSQL = `
	INSERT INTO telegram_last_ingestion AS t (group_id, last_fetch_time, is_first_time)
	VALUES (?, ?, FALSE)
	ON CONFLICT (group_id) DO UPDATE SET
		last_fetch_time = CASE
			WHEN t.last_fetch_time IS NULL OR excluded.last_fetch_time > t.last_fetch_time
			THEN excluded.last_fetch_time
			ELSE t.last_fetch_time
		END,
		is_first_time = FALSE`

const registerEntitySQL = `
	INSERT INTO telegram_last_ingestion (group_id, last_fetch_time, is_first_time)
	VALUES (?, NULL, TRUE)
	ON CONFLICT (group_id) DO NOTHING`

const listEntityIDsSQL = `SELECT group_id FROM telegram_last_ingestion ORDER BY group_id`

const listWatermarksSQL = `
	SELECT group_id, last_fetch_time, is_first_time
	FROM telegram_last_ingestion ORDER BY group_id`

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
type sqlStore struct {
	db        *sqlx.DB
	maxParams int
}

func newSQLStore(db *sqlx.DB, maxParams int) sqlStore {
	if maxParams < 2 {
		maxParams = DefaultMaxQueryParams
	}
	return sqlStore{db: db, maxParams: maxParams}
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// messageRow is the column layout of telegram_messages.
type messageRow struct {
	MessageID         string    `db:"message_id"`
	GroupID           string    `db:"group_id"`
	SenderID          *string   `db:"sender_id"`
	SenderName        *string   `db:"sender_name"`
	MessageText       *string   `db:"message_text"`
	MessageType       string    `db:"message_type"`
	Timestamp         time.Time `db:"timestamp"`
	InsertTime        time.Time `db:"insert_time"`
	Source            string    `db:"source"`
	Links             string    `db:"links"`
	TelegramSourceURL *string   `db:"telegram_source_url"`
	Views             *int64    `db:"views"`
	Replies           *int64    `db:"replies"`
	Forwards          *int64    `db:"forwards"`
}

func toRow(m model.Message) (messageRow, error) {
	if m.MessageID == "" || m.GroupID == "" {
		return messageRow{}, errors.New("message_id and group_id are required")
	}
	if m.Timestamp.IsZero() {
		return messageRow{}, errors.New("timestamp is required")
	}
	links := m.Links
	if links == nil {
		links = []string{}
	}
	encoded, err := json.Marshal(links)
	if err != nil {
		return messageRow{}, fmt.Errorf("encode links: %w", err)
	}
	source := m.Source
	if source == "" {
		source = model.SourceTelegram
	}
	return messageRow{
		MessageID:         m.MessageID,
		GroupID:           m.GroupID,
		SenderID:          m.SenderID,
		SenderName:        m.SenderName,
		MessageText:       m.MessageText,
		MessageType:       string(m.MessageType),
		Timestamp:         dbTime(m.Timestamp),
		InsertTime:        dbTime(m.InsertTime),
		Source:            source,
		Links:             string(encoded),
		TelegramSourceURL: m.TelegramSourceURL,
		Views:             m.Views,
		Replies:           m.Replies,
		Forwards:          m.Forwards,
	}, nil
}

// dbTime stores every timestamp as whole seconds in UTC so text-backed
// backends order them correctly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// AppendMessages inserts msgs in one transaction and returns how many rows were
// new. Rows that cannot be written are reported as RowErrors and nothing is
// committed.
func (s *sqlStore) AppendMessages(ctx context.Context, msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	rows := make([]messageRow, 0, len(msgs))
	var rowErrs RowErrors
	for _, m := range msgs {
		r, err := toRow(m)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Key: m.Key(), Err: err})
			continue
		}
		rows = append(rows, r)
	}
	if len(rowErrs) > 0 {
		return 0, rowErrs
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	inserted := 0
	for _, r := range rows {
		res, err := tx.NamedExecContext(ctx, insertMessageSQL, r)
		if err != nil {
			// A failed statement aborts the transaction on PostgreSQL, so stop here.
			return 0, RowErrors{{Key: model.Key{MessageID: r.MessageID, GroupID: r.GroupID}, Err: err}}
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

// ExistingKeys returns which of keys are already stored. Lookups are grouped by
// entity and chunked to stay under the bind parameter limit.
func (s *sqlStore) ExistingKeys(ctx context.Context, keys []model.Key) (map[model.Key]struct{}, error) {
	found := make(map[model.Key]struct{})
	if len(keys) == 0 {
		return found, nil
	}

	byGroup := make(map[string][]string)
	seen := make(map[model.Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		byGroup[k.GroupID] = append(byGroup[k.GroupID], k.MessageID)
	}
	groups := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	chunk := s.maxParams - 1
	for _, groupID := range groups {
		ids := byGroup[groupID]
		for start := 0; start < len(ids); start += chunk {
			end := min(start+chunk, len(ids))
			query, args, err := sqlx.In(existingKeysSQL, groupID, ids[start:end])
			if err != nil {
				return nil, fmt.Errorf("build existence query: %w", err)
			}
			var existing []string
			if err := s.db.SelectContext(ctx, &existing, s.db.Rebind(query), args...); err != nil {
				return nil, fmt.Errorf("query existing keys for %s: %w", groupID, err)
			}
			for _, id := range existing {
				found[model.Key{MessageID: id, GroupID: groupID}] = struct{}{}
			}
		}
	}
	return found, nil
}

// DistinctSourceRefs returns every non-empty telegram_source_url in the warehouse.
func (s *sqlStore) DistinctSourceRefs(ctx context.Context) ([]string, error) {
	var refs []string
	if err := s.db.SelectContext(ctx, &refs, distinctSourceRefsSQL); err != nil {
		return nil, fmt.Errorf("query source refs: %w", err)
	}
	return refs, nil
}

// GetWatermark returns the watermark row of groupID, or nil when none exists.
func (s *sqlStore) GetWatermark(ctx context.Context, groupID string) (*model.Watermark, error) {
	var wm model.Watermark
	err := s.db.GetContext(ctx, &wm, s.db.Rebind(getWatermarkSQL), groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark %s: %w", groupID, err)
	}
	normalizeWatermark(&wm)
	return &wm, nil
}

// UpsertWatermark moves the watermark of groupID forward to ts and clears the
// first-time flag. An older ts leaves the stored time unchanged.
func (s *sqlStore) UpsertWatermark(ctx context.Context, groupID string, ts time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(upsertWatermarkSQL), groupID, dbTime(ts)); err != nil {
		return fmt.Errorf("upsert watermark %s: %w", groupID, err)
	}
	return nil
}

// RegisterEntity records groupID with no watermark and is_first_time set.
// It reports whether a new row was created.
func (s *sqlStore) RegisterEntity(ctx context.Context, groupID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(registerEntitySQL), groupID)
	if err != nil {
		return false, fmt.Errorf("register entity %s: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("register entity %s: %w", groupID, err)
	}
	return n > 0, nil
}

// ListEntityIDs returns every entity with a watermark row.
func (s *sqlStore) ListEntityIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, listEntityIDsSQL); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return ids, nil
}

// ListWatermarks returns every watermark row ordered by entity.
func (s *sqlStore) ListWatermarks(ctx context.Context) ([]model.Watermark, error) {
	var wms []model.Watermark
	if err := s.db.SelectContext(ctx, &wms, listWatermarksSQL); err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	for i := range wms {
		normalizeWatermark(&wms[i])
	}
	return wms, nil
}

func normalizeWatermark(wm *model.Watermark) {
	if wm.LastFetchTime != nil {
		t := wm.LastFetchTime.UTC()
		wm.LastFetchTime = &t
	}
}
