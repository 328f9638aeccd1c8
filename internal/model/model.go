// Package model defines shared data structures.
package model

import "time"

// SourceTelegram tags every message ingested from Telegram.
const SourceTelegram = "telegram"

// Entity represents a Telegram group or channel tracked for ingestion.
type Entity struct {
	ID            string     // stable identifier or link string
	Link          string     // optional public link
	LastFetchTime *time.Time // nil until the first successful batch
	IsFirstTime   bool
}

// Watermark is the persisted progress record for one entity.
type Watermark struct {
	GroupID       string     `db:"group_id"        json:"group_id"`
	LastFetchTime *time.Time `db:"last_fetch_time" json:"last_fetch_time"`
	IsFirstTime   bool       `db:"is_first_time"   json:"is_first_time"`
}

// MessageType classifies a message by its attached media.
type MessageType string

// Message types.
const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageOther MessageType = "other"
)

// Message is one canonical ingested row. (MessageID, GroupID) is its identity.
type Message struct {
	MessageID         string
	GroupID           string
	SenderID          *string
	SenderName        *string
	MessageText       *string
	MessageType       MessageType
	Timestamp         time.Time
	InsertTime        time.Time
	Source            string
	Links             []string
	TelegramSourceURL *string
	Views             *int64
	Replies           *int64
	Forwards          *int64
}

// Key returns the dedup key of the message.
func (m Message) Key() Key {
	return Key{MessageID: m.MessageID, GroupID: m.GroupID}
}

// Key identifies a message uniquely across the warehouse.
type Key struct {
	MessageID string `db:"message_id"`
	GroupID   string `db:"group_id"`
}

// MediaKind is the closed set of media attachments a raw message can carry.
type MediaKind int

// Media kinds.
const (
	MediaNone MediaKind = iota
	MediaPhoto
	MediaDocument
	MediaOther
)

// Media describes the attachment of a raw message. MIME is only meaningful for
// MediaDocument.
type Media struct {
	Kind MediaKind
	MIME string
}

// RawMessage is one item as produced by a source client, before normalization.
type RawMessage struct {
	ID   int64
	Date time.Time
	Text string
	// URLs are link targets attached to the text but not spelled out in it.
	URLs            []string
	SenderID        *int64
	SenderFirstName *string
	Media           Media
	Views           *int64
	Replies         *int64
	Forwards        *int64
}

// EntityKind is the resolved kind of a source entity.
type EntityKind string

// Entity kinds.
const (
	KindUser       EntityKind = "user"
	KindBot        EntityKind = "bot"
	KindGroup      EntityKind = "group"
	KindSupergroup EntityKind = "supergroup"
	KindChannel    EntityKind = "channel"
	KindUnknown    EntityKind = "unknown"
)

// Scrapeable reports whether messages of this kind may be ingested.
func (k EntityKind) Scrapeable() bool {
	switch k {
	case KindGroup, KindSupergroup, KindChannel:
		return true
	default:
		return false
	}
}

// EntityInfo is resolved metadata about an entity.
type EntityInfo struct {
	ID    string
	Title string
	Kind  EntityKind
}
