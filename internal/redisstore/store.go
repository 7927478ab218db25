// Package redisstore keeps chat messages in Redis sorted sets. It is an
// alternative to the SQLite message store for deployments that already run
// Redis; the business directory stays in SQLite.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/types"
)

// maxTxAttempts bounds optimistic-lock retries when appends to one business race.
const maxTxAttempts = 16

var ErrContention = errors.New("redis store: too much contention on business clock")

// Store implements interfaces.MessageStore on Redis.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, logger zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{
		client: client,
		logger: logger.With().Str("component", "redisstore").Logger(),
		now:    time.Now,
	}, nil
}

func clockKey(businessID string) string {
	return fmt.Sprintf("chatrelay:business:%s:clock", businessID)
}

func businessKey(businessID string) string {
	return fmt.Sprintf("chatrelay:business:%s:messages", businessID)
}

func roomKey(businessID, visitorID string) string {
	return fmt.Sprintf("chatrelay:room:%s:%s:messages", businessID, visitorID)
}

// nextStamp returns the creation time and sequence for the next message of a
// business given the stored clock. Times never repeat or go backwards.
func nextStamp(now time.Time, lastNanos, lastSeq int64) (int64, int64) {
	ts := now.UnixNano()
	if ts <= lastNanos {
		ts = lastNanos + 1
	}
	return ts, lastSeq + 1
}

// Append stores a message in its room set and its business set in one
// transaction. The sequence number is the sort score; creation times are
// unix nanos and exceed float64 precision, so they cannot be.
// TECHNICAL DISCOVERY: WATCH on the business clock serialises appends across
// relay processes; a lost race retries before anything is written.
func (s *Store) Append(ctx context.Context, businessID, visitorID, from, text string) (*types.Message, error) {
	defer observe("append", time.Now())

	clock := clockKey(businessID)
	var msg *types.Message

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HMGet(ctx, clock, "ts", "seq").Result()
		if err != nil {
			return err
		}
		lastNanos, lastSeq := parseInt(fields[0]), parseInt(fields[1])
		ts, seq := nextStamp(s.now(), lastNanos, lastSeq)

		msg = &types.Message{
			ID:         ulid.Make().String(),
			BusinessID: businessID,
			VisitorID:  visitorID,
			From:       from,
			Text:       text,
			CreatedAt:  time.Unix(0, ts).UTC(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		member := redis.Z{Score: float64(seq), Member: string(data)}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, clock, "ts", ts, "seq", seq)
			pipe.ZAdd(ctx, roomKey(businessID, visitorID), member)
			pipe.ZAdd(ctx, businessKey(businessID), member)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, clock)
		if err == nil {
			return msg, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug().Str("business_id", businessID).Int("attempt", attempt).Msg("append lost clock race")
			continue
		}
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return nil, ErrContention
}

// parseInt reads an HMGET field; missing fields come back as nil.
func parseInt(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ListByRoom returns a room's messages oldest first.
func (s *Store) ListByRoom(ctx context.Context, businessID, visitorID string) ([]*types.Message, error) {
	return s.list(ctx, "list_room", roomKey(businessID, visitorID))
}

// ListByBusiness returns every message of a business oldest first.
func (s *Store) ListByBusiness(ctx context.Context, businessID string) ([]*types.Message, error) {
	return s.list(ctx, "list_business", businessKey(businessID))
}

func (s *Store) list(ctx context.Context, op, key string) ([]*types.Message, error) {
	defer observe(op, time.Now())

	members, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return decodeMessages(members)
}

func decodeMessages(members []string) ([]*types.Message, error) {
	messages := make([]*types.Message, 0, len(members))
	for _, data := range members {
		var msg types.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("corrupt message entry: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// HealthCheck pings Redis.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
