package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix = "lara:ledger:"
	// KeyTTL bounds how long a job's ledger outlives its last update
	KeyTTL = 7 * 24 * time.Hour
)

// Each job is a hash of stage -> JSON record. The scripts run atomically on
// the server, which makes check-then-claim safe across writer replicas.
var claimScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
local now = tonumber(ARGV[3])
local rec = {attempts = 0}
if raw then
	rec = cjson.decode(raw)
	if rec.state == 'written' or rec.state == 'rejected' then
		return 'settled'
	end
	if rec.state == 'pending' and tonumber(rec.lease_until) >= now then
		return 'claimed'
	end
end
rec.state = 'pending'
rec.owner = ARGV[2]
rec.lease_until = tonumber(ARGV[4])
rec.attempts = rec.attempts + 1
rec.updated_at = now
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 'ok'
`)

var completeScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
	return 0
end
local rec = cjson.decode(raw)
if rec.owner ~= ARGV[2] or rec.state ~= 'pending' then
	return 0
end
if ARGV[3] ~= '' then
	rec.state = ARGV[3]
	rec.detail = ARGV[4]
end
rec.lease_until = 0
rec.updated_at = tonumber(ARGV[5])
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

var extendScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
	return 0
end
local rec = cjson.decode(raw)
if rec.owner ~= ARGV[2] or rec.state ~= 'pending' or tonumber(rec.lease_until) == 0 then
	return 0
end
rec.lease_until = tonumber(ARGV[4])
rec.updated_at = tonumber(ARGV[3])
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
return 1
`)

type redisRecord struct {
	State      string `json:"state"`
	Owner      string `json:"owner"`
	LeaseUntil int64  `json:"lease_until"`
	Attempts   int    `json:"attempts"`
	Detail     string `json:"detail"`
	UpdatedAt  int64  `json:"updated_at"`
}

// RedisLedger stores the ledger in Redis
type RedisLedger struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisLedger creates a ledger over rdb
func NewRedisLedger(rdb *redis.Client, logger *slog.Logger) *RedisLedger {
	return &RedisLedger{rdb: rdb, logger: logger, now: time.Now}
}

func jobKey(jobID string) string {
	return keyPrefix + jobID
}

// Claim implements Ledger
func (l *RedisLedger) Claim(ctx context.Context, jobID string, stage queue.Stage, owner string, ttl time.Duration) error {
	now := l.now()

	res, err := claimScript.Run(ctx, l.rdb, []string{jobKey(jobID)},
		stage.String(), owner, now.UnixMilli(), now.Add(ttl).UnixMilli(), KeyTTL.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("failed to claim %s:%s: %w", jobID, stage, err)
	}

	switch res {
	case "ok":
		return nil
	case "settled":
		return ErrAlreadyWritten
	default:
		return ErrClaimed
	}
}

// Extend implements Ledger
func (l *RedisLedger) Extend(ctx context.Context, jobID string, stage queue.Stage, owner string, ttl time.Duration) error {
	now := l.now()

	n, err := extendScript.Run(ctx, l.rdb, []string{jobKey(jobID)},
		stage.String(), owner, now.UnixMilli(), now.Add(ttl).UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend %s:%s: %w", jobID, stage, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete implements Ledger
func (l *RedisLedger) Complete(ctx context.Context, jobID string, stage queue.Stage, owner string, state State, detail string) error {
	n, err := completeScript.Run(ctx, l.rdb, []string{jobKey(jobID)},
		stage.String(), owner, string(state), detail, l.now().UnixMilli(), KeyTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to complete %s:%s: %w", jobID, stage, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release implements Ledger
func (l *RedisLedger) Release(ctx context.Context, jobID string, stage queue.Stage, owner string) error {
	// an empty state only clears the lease
	_, err := completeScript.Run(ctx, l.rdb, []string{jobKey(jobID)},
		stage.String(), owner, "", "", l.now().UnixMilli(), KeyTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to release %s:%s: %w", jobID, stage, err)
	}
	return nil
}

// Get implements Ledger
func (l *RedisLedger) Get(ctx context.Context, jobID string) ([]Record, error) {
	fields, err := l.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger for %s: %w", jobID, err)
	}

	records := make([]Record, 0, len(fields))
	for stage, raw := range fields {
		var r redisRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			l.logger.Warn("Skipping unreadable ledger entry",
				slog.String("job_id", jobID),
				slog.String("stage", stage),
				slog.Any("error", err),
			)
			continue
		}
		records = append(records, Record{
			JobID:     jobID,
			Stage:     stage,
			State:     State(r.State),
			Owner:     r.Owner,
			Attempts:  r.Attempts,
			Detail:    r.Detail,
			UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
		})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Stage < records[j].Stage })
	return records, nil
}
