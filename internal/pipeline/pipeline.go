package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariellinfy/liteline-nova/internal/bus"
	"github.com/ariellinfy/liteline-nova/internal/db"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/protocol"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

var messagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pipeline_messages_created_total",
	Help: "Messages durably appended through the pipeline.",
}, []string{"kind"})

// ErrEmptyContent rejects blank messages before they reach the DB.
var ErrEmptyContent = errors.New("message content is empty")

// Store is the durable side of the pipeline. Messages come back newest
// first; the pipeline owns reversing into chronological order.
type Store interface {
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessageByID(ctx context.Context, messageID int64) (*models.Message, error)
	NewestMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Message, error)
	MessagesBefore(ctx context.Context, roomID uuid.UUID, before *models.Message, limit int) ([]models.Message, error)
}

// RecentCache is the hot side: a bounded newest-first list per room.
// SeedRecent only fills an absent list, so interleaved pushes win.
type RecentCache interface {
	PushRecent(ctx context.Context, roomID uuid.UUID, payload string, maxLen int, ttl time.Duration) error
	SeedRecent(ctx context.Context, roomID uuid.UUID, payloads []string, maxLen int, ttl time.Duration) error
	RecentRange(ctx context.Context, roomID uuid.UUID, n int) ([]string, error)
	RecentExists(ctx context.Context, roomID uuid.UUID) (bool, error)
	DeleteRecent(ctx context.Context, roomID uuid.UUID) error
}

// Emitter fans the new_message event out to the room.
type Emitter interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Options tunes the recent cache.
type Options struct {
	CacheSize int           // K, bound on the recent list
	CacheTTL  time.Duration // eviction horizon for cold rooms
}

// Page is one read result: messages in chronological order plus the
// cursor for the next older page.
type Page struct {
	Messages   []models.Message `json:"messages"`
	HasMore    bool             `json:"has_more"`
	NextCursor *int64           `json:"next_cursor,omitempty"`
}

// Pipeline implements the hybrid message path: synchronous durable write,
// best-effort cache mirror, cache-first reads stitched with the DB.
type Pipeline struct {
	store   Store
	cache   RecentCache
	emitter Emitter
	logger  *utils.Logger
	opts    Options
}

// New creates a message pipeline.
func New(store Store, cache RecentCache, emitter Emitter, logger *utils.Logger, opts Options) *Pipeline {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 100
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	return &Pipeline{store: store, cache: cache, emitter: emitter, logger: logger, opts: opts}
}

// Create appends a message. The DB insert is the commit point: it must
// succeed before the cache mirror or the fan-out, and failures of either
// of those are logged and swallowed because the next reader repopulates
// from the DB. No retries anywhere, the DB row is the source of truth.
func (p *Pipeline) Create(ctx context.Context, roomID uuid.UUID, userID *uuid.UUID, username, content, kind string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if kind == models.MessageKindText && userID == nil {
		return nil, fmt.Errorf("text message without an author")
	}

	msg := &models.Message{
		RoomID:      roomID,
		UserID:      userID,
		Username:    username,
		Content:     content,
		MessageType: kind,
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	messagesCreated.WithLabelValues(kind).Inc()

	if payload, err := json.Marshal(msg); err != nil {
		p.logger.Error(ctx, "failed to serialize message %d for cache: %v", msg.ID, err)
	} else if err := p.cache.PushRecent(ctx, roomID, string(payload), p.opts.CacheSize, p.opts.CacheTTL); err != nil {
		p.logger.Error(ctx, "failed to cache message %d in room %s: %v", msg.ID, roomID, err)
	}

	ev := bus.Event{Type: protocol.UpdateNewMessage, RoomID: roomID, Message: msg}
	if userID != nil {
		ev.UserID = *userID
		ev.Username = username
	}
	if err := p.emitter.Publish(ctx, ev); err != nil {
		p.logger.Error(ctx, "failed to emit new_message for %d in room %s: %v", msg.ID, roomID, err)
	}

	return msg, nil
}

// Recent returns up to limit newest messages in chronological order,
// serving from the cache and stitching strictly older rows from the DB
// when the cache holds fewer than limit.
func (p *Pipeline) Recent(ctx context.Context, roomID uuid.UUID, limit int) (Page, error) {
	cached := p.readCached(ctx, roomID, limit)

	var msgs []models.Message
	switch {
	case len(cached) >= limit:
		msgs = cached[len(cached)-limit:]

	case len(cached) > 0:
		// The oldest cached message bounds the DB fetch strictly below so
		// the stitch never duplicates.
		oldest := cached[0]
		older, err := p.store.MessagesBefore(ctx, roomID, &oldest, limit-len(cached))
		if err != nil {
			return Page{}, fmt.Errorf("failed to backfill recent messages: %w", err)
		}
		msgs = append(reverse(older), cached...)

	default:
		newest, err := p.store.NewestMessages(ctx, roomID, limit)
		if err != nil {
			return Page{}, fmt.Errorf("failed to read recent messages: %w", err)
		}
		msgs = reverse(newest)
		p.seed(ctx, roomID, msgs)
	}

	return p.finishPage(ctx, roomID, msgs)
}

// Older returns the page of messages strictly older than beforeID,
// bypassing the cache. An unknown cursor yields an empty page.
func (p *Pipeline) Older(ctx context.Context, roomID uuid.UUID, limit int, beforeID int64) (Page, error) {
	before, err := p.store.GetMessageByID(ctx, beforeID)
	if errors.Is(err, db.ErrNotFound) {
		return Page{Messages: []models.Message{}}, nil
	}
	if err != nil {
		return Page{}, fmt.Errorf("failed to resolve cursor %d: %w", beforeID, err)
	}
	if before.RoomID != roomID {
		return Page{Messages: []models.Message{}}, nil
	}

	// Fetch one past the page to learn whether more remain.
	fetched, err := p.store.MessagesBefore(ctx, roomID, before, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("failed to page messages before %d: %w", beforeID, err)
	}

	page := Page{HasMore: len(fetched) > limit}
	if page.HasMore {
		fetched = fetched[:limit]
	}
	page.Messages = reverse(fetched)
	if page.HasMore && len(page.Messages) > 0 {
		cursor := page.Messages[0].ID
		page.NextCursor = &cursor
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	return page, nil
}

// Preload seeds the cache with the newest messages when the room's cache
// key is absent. It is best-effort; join responses never wait for it.
func (p *Pipeline) Preload(ctx context.Context, roomID uuid.UUID) {
	exists, err := p.cache.RecentExists(ctx, roomID)
	if err != nil {
		p.logger.Error(ctx, "failed to probe cache for room %s: %v", roomID, err)
		return
	}
	if exists {
		return
	}
	newest, err := p.store.NewestMessages(ctx, roomID, p.opts.CacheSize)
	if err != nil {
		p.logger.Error(ctx, "failed to preload messages for room %s: %v", roomID, err)
		return
	}
	p.seed(ctx, roomID, reverse(newest))
}

// PurgeRoom drops the room's cached messages. Only used when the
// purge-on-leave policy is enabled.
func (p *Pipeline) PurgeRoom(ctx context.Context, roomID uuid.UUID) error {
	return p.cache.DeleteRecent(ctx, roomID)
}

// readCached returns up to limit cached messages in chronological order.
// Cache failures degrade to an empty read; the DB path covers for them.
func (p *Pipeline) readCached(ctx context.Context, roomID uuid.UUID, limit int) []models.Message {
	raw, err := p.cache.RecentRange(ctx, roomID, limit)
	if err != nil {
		p.logger.Error(ctx, "failed to read cache for room %s: %v", roomID, err)
		return nil
	}

	msgs := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			p.logger.Error(ctx, "dropping undecodable cached message in room %s: %v", roomID, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return reverse(msgs)
}

// seed writes chronological messages into the cache, leaving it newest
// first. The cache declines the seed when a concurrent writer already
// recreated the key; that writer's suffix is newer than ours. Failures
// are logged and ignored.
func (p *Pipeline) seed(ctx context.Context, roomID uuid.UUID, chronological []models.Message) {
	if len(chronological) == 0 {
		return
	}
	payloads := make([]string, 0, len(chronological))
	for _, msg := range chronological {
		payload, err := json.Marshal(msg)
		if err != nil {
			p.logger.Error(ctx, "failed to serialize message %d for seeding: %v", msg.ID, err)
			return
		}
		payloads = append(payloads, string(payload))
	}
	if err := p.cache.SeedRecent(ctx, roomID, payloads, p.opts.CacheSize, p.opts.CacheTTL); err != nil {
		p.logger.Error(ctx, "failed to seed cache for room %s: %v", roomID, err)
	}
}

// finishPage computes has_more/next_cursor for a chronological page by
// probing the DB for a single row older than the page's oldest entry.
func (p *Pipeline) finishPage(ctx context.Context, roomID uuid.UUID, msgs []models.Message) (Page, error) {
	page := Page{Messages: msgs}
	if len(msgs) == 0 {
		page.Messages = []models.Message{}
		return page, nil
	}

	oldest := msgs[0]
	older, err := p.store.MessagesBefore(ctx, roomID, &oldest, 1)
	if err != nil {
		return Page{}, fmt.Errorf("failed to probe for older messages: %w", err)
	}
	if len(older) > 0 {
		page.HasMore = true
		cursor := oldest.ID
		page.NextCursor = &cursor
	}
	return page, nil
}

// reverse flips newest-first into chronological order (and back). It
// copies so cache-backed slices stay untouched.
func reverse(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i, msg := range in {
		out[len(in)-1-i] = msg
	}
	return out
}
