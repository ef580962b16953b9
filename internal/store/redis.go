package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/callsig/internal/signal"
)

// Redis is the shared Store. Unlike the memory and SQLite backends its change
// feed rides on Redis pub/sub, so clients in different processes converge on
// the same call state.
type Redis struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs []*redis.PubSub
}

// RedisConfig controls the redis client. Defaults are conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	PingTimeout time.Duration
}

// OpenRedis initializes the client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

const (
	callKeyPrefix   = "call:"          // + callID → hash
	latestKeyPrefix = "signal:latest:" // + callID + ":" + type → JSON message
	feedChanPrefix  = "callfeed:"      // + recipientID → pub/sub channel

	// callTTL bounds leaked rows from crashed clients. Calls are short-lived.
	callTTL = 24 * time.Hour
)

// statusCasScript performs the conditional status update atomically.
//
//	KEYS[1] = call hash key
//	ARGV[1] = expected status ("" = unconditional)
//	ARGV[2] = new status
//	ARGV[3] = ended_at millis (0 = leave as is)
//
// Returns: 1 updated, 0 conflict, -1 terminal, -2 missing.
var statusCasScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == false then
  return -2
end
if cur == 'ended' or cur == 'rejected' or cur == 'missed' or cur == 'busy' then
  return -1
end
if ARGV[1] ~= '' and cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('HSET', KEYS[1], 'ended_at', ARGV[3])
end
return 1
`)

func (r *Redis) CreateCall(ctx context.Context, rec *signal.SessionRecord) error {
	key := callKeyPrefix + rec.CallID
	fields := map[string]any{
		"call_id":             rec.CallID,
		"initiator_id":        rec.InitiatorID,
		"responder_id":        rec.ResponderID,
		"kind":                string(rec.Kind),
		"status":              string(rec.Status),
		"connection_metadata": rec.ConnectionMetadata,
		"started_at":          rec.StartedAt.UnixMilli(),
		"ended_at":            endedAtMilli(rec.EndedAt),
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, callTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert call %s: %w", rec.CallID, err)
	}

	cp := *rec
	return r.publishChange(ctx, recipients(&cp), &Change{Record: &cp})
}

func (r *Redis) GetCall(ctx context.Context, callID string) (*signal.SessionRecord, error) {
	vals, err := r.rdb.HGetAll(ctx, callKeyPrefix+callID).Result()
	if err != nil {
		return nil, fmt.Errorf("read call %s: %w", callID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return recordFromHash(vals), nil
}

func (r *Redis) UpdateStatus(ctx context.Context, callID string, status signal.CallStatus) error {
	return r.updateStatus(ctx, callID, "", status)
}

func (r *Redis) UpdateStatusIf(ctx context.Context, callID string, expect, status signal.CallStatus) error {
	return r.updateStatus(ctx, callID, expect, status)
}

func (r *Redis) updateStatus(ctx context.Context, callID string, expect, status signal.CallStatus) error {
	ended := int64(0)
	if status.Terminal() {
		ended = time.Now().UTC().UnixMilli()
	}

	res, err := statusCasScript.Run(ctx, r.rdb,
		[]string{callKeyPrefix + callID}, string(expect), string(status), ended).Int()
	if err != nil {
		return fmt.Errorf("update call %s: %w", callID, err)
	}
	switch res {
	case -2:
		return ErrNotFound
	case -1:
		return ErrTerminal
	case 0:
		return ErrConflict
	}

	rec, err := r.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	return r.publishChange(ctx, recipients(rec), &Change{Record: rec})
}

func (r *Redis) SetConnectionMetadata(ctx context.Context, callID, metadata string) error {
	key := callKeyPrefix + callID
	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", callID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := r.rdb.HSet(ctx, key, "connection_metadata", metadata).Err(); err != nil {
		return fmt.Errorf("set metadata %s: %w", callID, err)
	}

	rec, err := r.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	return r.publishChange(ctx, recipients(rec), &Change{Record: rec})
}

func (r *Redis) AppendSignal(ctx context.Context, msg *signal.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", msg.ID, err)
	}

	latestKey := latestKeyPrefix + msg.CallID + ":" + string(msg.Type)
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, latestKey, b, callTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append signal %s: %w", msg.ID, err)
	}

	cp := *msg
	return r.publishChange(ctx, []string{cp.To}, &Change{Message: &cp})
}

func (r *Redis) LatestSignal(ctx context.Context, callID string, typ signal.MsgType) (*signal.Message, error) {
	b, err := r.rdb.Get(ctx, latestKeyPrefix+callID+":"+string(typ)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read signal: %w", err)
	}
	var msg signal.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	return &msg, nil
}

func (r *Redis) Subscribe(recipientID string) (chan *Change, func()) {
	ch := make(chan *Change, 64)
	ps := r.rdb.Subscribe(context.Background(), feedChanPrefix+recipientID)

	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				continue
			}
			select {
			case ch <- &c:
			default:
			}
		}
		close(ch)
	}()

	cancel := func() {
		_ = ps.Close()
	}
	return ch, cancel
}

func (r *Redis) Close() error {
	r.mu.Lock()
	for _, ps := range r.subs {
		_ = ps.Close()
	}
	r.subs = nil
	r.mu.Unlock()
	return r.rdb.Close()
}

func (r *Redis) publishChange(ctx context.Context, to []string, c *Change) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	for _, id := range to {
		if err := r.rdb.Publish(ctx, feedChanPrefix+id, b).Err(); err != nil {
			return fmt.Errorf("publish change to %s: %w", id, err)
		}
	}
	return nil
}

func recordFromHash(vals map[string]string) *signal.SessionRecord {
	rec := &signal.SessionRecord{
		CallID:             vals["call_id"],
		InitiatorID:        vals["initiator_id"],
		ResponderID:        vals["responder_id"],
		Kind:               signal.CallKind(vals["kind"]),
		Status:             signal.CallStatus(vals["status"]),
		ConnectionMetadata: vals["connection_metadata"],
	}
	if ms, err := strconv.ParseInt(vals["started_at"], 10, 64); err == nil {
		rec.StartedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(vals["ended_at"], 10, 64); err == nil && ms > 0 {
		rec.EndedAt = time.UnixMilli(ms).UTC()
	}
	return rec
}
