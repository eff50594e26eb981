package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/config"
	"search-indexer/internal/models"
)

// RedisStore keeps the main, processing and failed queues in Redis.
// main is a list plus a delayed sorted set for retries still backing off,
// processing is a sorted set scored by the last claim refresh, failed is a
// list, and each job has its own hash.
type RedisStore struct {
	client      *redis.Client
	mainKey     string
	delayedKey  string
	procKey     string
	failedKey   string
	jobPrefix   string
	maxAttempts int
	now         func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	opts = opts.withDefaults()
	p := opts.KeyPrefix
	return &RedisStore{
		client:      client,
		mainKey:     p + ":main",
		delayedKey:  p + ":main:delayed",
		procKey:     p + ":processing",
		failedKey:   p + ":failed",
		jobPrefix:   p + ":job:",
		maxAttempts: opts.MaxAttempts,
		now:         opts.Clock,
	}
}

// OpenRedis builds a store from config. The client dials lazily, so an
// unreachable server surfaces on the first operation, not here.
func OpenRedis(cfg config.Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisStore(client, Options{
		KeyPrefix:   cfg.QueueKeyPrefix,
		MaxAttempts: cfg.MaxAttempts,
	})
}

// Client exposes the underlying connection for components sharing it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) jobKey(id string) string {
	return s.jobPrefix + id
}

// Enqueue writes the job hash and appends the id to main in one transaction.
func (s *RedisStore) Enqueue(ctx context.Context, kind models.JobKind, payload any) (string, error) {
	job, err := newJob(kind, payload, s.maxAttempts, s.now())
	if err != nil {
		return "", err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID),
		"id", job.ID,
		"kind", string(job.Kind),
		"payload", string(job.Payload),
		"attempts", 0,
		"max_attempts", job.MaxAttempts,
		"enqueued_at", job.EnqueuedAt.UnixMilli(),
	)
	pipe.RPush(ctx, s.mainKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return job.ID, nil
}

// ClaimNext promotes due delayed jobs, then pops the head of main into processing.
func (s *RedisStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	token := uuid.NewString()
	keys := []string{s.mainKey, s.delayedKey, s.procKey}
	res, err := claimScript.Run(ctx, s.client, keys, s.now().UnixMilli(), token, s.jobPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	flat, ok := res.([]interface{})
	if !ok || len(flat) == 0 {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	id, _ := flat[0].(string)
	fields, err := pairsToMap(flat[1:])
	if err != nil {
		return nil, err
	}
	job, err := decodeJob(fields)
	if err != nil {
		return nil, fmt.Errorf("decode claimed job %s: %w", id, err)
	}
	return job, nil
}

// Ack deletes a successfully processed job.
func (s *RedisStore) Ack(ctx context.Context, job *models.Job) error {
	res, err := ackScript.Run(ctx, s.client, []string{s.procKey, s.jobKey(job.ID)}, job.ID, job.ClaimToken).Int()
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("ack job %s: %w", job.ID, apperrors.ErrNotClaimed)
	}
	return nil
}

// ExtendClaim re-scores the job in processing with the current time.
func (s *RedisStore) ExtendClaim(ctx context.Context, job *models.Job) error {
	res, err := extendScript.Run(ctx, s.client, []string{s.procKey, s.jobKey(job.ID)},
		job.ID, job.ClaimToken, s.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("extend claim on job %s: %w", job.ID, err)
	}
	if res == 0 {
		return fmt.Errorf("extend claim on job %s: %w", job.ID, apperrors.ErrNotClaimed)
	}
	return nil
}

// Retry records the failure and routes the job back to main or into failed.
func (s *RedisStore) Retry(ctx context.Context, job *models.Job, p RetryParams) (models.QueueName, error) {
	permanent := "0"
	if p.Permanent {
		permanent = "1"
	}
	keys := []string{s.procKey, s.mainKey, s.delayedKey, s.failedKey, s.jobKey(job.ID)}
	res, err := retryScript.Run(ctx, s.client, keys,
		job.ID, job.ClaimToken, s.now().UnixMilli(), p.Error, p.Delay.Milliseconds(), permanent,
	).Int()
	if err != nil {
		return "", fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	if res < 0 {
		return "", fmt.Errorf("retry job %s: %w", job.ID, apperrors.ErrNotClaimed)
	}

	job.Attempts = res >> 1
	msg := p.Error
	job.LastError = &msg
	job.ClaimToken = ""
	job.ClaimedAt = nil
	if res&1 == 1 {
		return models.QueueFailed, nil
	}
	return models.QueueMain, nil
}

// RequeueStale recovers claims older than the per-kind visibility timeout.
// Attempts are left untouched.
func (s *RedisStore) RequeueStale(ctx context.Context, timeouts map[models.JobKind]time.Duration) ([]string, error) {
	args := []interface{}{s.now().UnixMilli(), s.jobPrefix, staleThreshold(timeouts, "").Milliseconds()}
	for kind, d := range timeouts {
		args = append(args, string(kind), d.Milliseconds())
	}
	ids, err := requeueStaleScript.Run(ctx, s.client, []string{s.procKey, s.mainKey}, args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return ids, nil
}

// Stats counts each queue. Delayed retries count toward main.
func (s *RedisStore) Stats(ctx context.Context) (models.QueueStats, error) {
	pipe := s.client.Pipeline()
	mainLen := pipe.LLen(ctx, s.mainKey)
	delayed := pipe.ZCard(ctx, s.delayedKey)
	processing := pipe.ZCard(ctx, s.procKey)
	failed := pipe.LLen(ctx, s.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return models.QueueStats{
		Main:       mainLen.Val() + delayed.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Clear empties one queue and deletes the metadata of every job it held.
func (s *RedisStore) Clear(ctx context.Context, name string) (int64, error) {
	q, err := models.ParseQueueName(name)
	if err != nil {
		return 0, apperrors.InvalidInput(err.Error())
	}

	var keys []string
	args := []interface{}{s.jobPrefix}
	switch q {
	case models.QueueMain:
		keys = []string{s.mainKey, s.delayedKey}
		args = append(args, "list", "zset")
	case models.QueueProcessing:
		keys = []string{s.procKey}
		args = append(args, "zset")
	case models.QueueFailed:
		keys = []string{s.failedKey}
		args = append(args, "list")
	}

	n, err := clearScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("clear %s queue: %w", q, err)
	}
	return n, nil
}

// DrainFailed moves every failed job back to main with attempts reset and returns them.
func (s *RedisStore) DrainFailed(ctx context.Context) ([]models.Job, error) {
	ids, err := s.moveFailed(ctx)
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ctx, ids)
}

// RequeueFailed is DrainFailed without loading the moved jobs.
func (s *RedisStore) RequeueFailed(ctx context.Context) (int64, error) {
	ids, err := s.moveFailed(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (s *RedisStore) moveFailed(ctx context.Context) ([]string, error) {
	ids, err := requeueFailedScript.Run(ctx, s.client, []string{s.failedKey, s.mainKey}, s.jobPrefix).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requeue failed jobs: %w", err)
	}
	return ids, nil
}

// ListFailed returns up to limit failed jobs, oldest first.
func (s *RedisStore) ListFailed(ctx context.Context, limit int64) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.LRange(ctx, s.failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	return s.loadJobs(ctx, ids)
}

func (s *RedisStore) loadJobs(ctx context.Context, ids []string) ([]models.Job, error) {
	if len(ids) == 0 {
		return []models.Job{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, s.jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for i, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			// cleared between the move and the read
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.Unavailable("redis", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func pairsToMap(flat []interface{}) (map[string]string, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("odd number of hash fields: %d", len(flat))
	}
	out := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		out[k] = v
	}
	return out, nil
}

func decodeJob(fields map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:         fields["id"],
		Kind:       models.JobKind(fields["kind"]),
		Payload:    []byte(fields["payload"]),
		ClaimToken: fields["claim_token"],
	}
	if job.ID == "" {
		return nil, errors.New("job hash has no id")
	}

	var err error
	if job.Attempts, err = atoiField(fields, "attempts"); err != nil {
		return nil, err
	}
	if job.MaxAttempts, err = atoiField(fields, "max_attempts"); err != nil {
		return nil, err
	}
	enqueued, err := millisField(fields, "enqueued_at")
	if err != nil {
		return nil, err
	}
	if enqueued != nil {
		job.EnqueuedAt = *enqueued
	}
	if job.LastAttemptAt, err = millisField(fields, "last_attempt_at"); err != nil {
		return nil, err
	}
	if job.ClaimedAt, err = millisField(fields, "claimed_at"); err != nil {
		return nil, err
	}
	if msg, ok := fields["last_error"]; ok {
		job.LastError = &msg
	}
	return job, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return n, nil
}

func millisField(fields map[string]string, name string) (*time.Time, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// KEYS: main, delayed, processing. ARGV: now ms, claim token, job key prefix.
// Returns {id, field, value, ...} for the claimed job, or nil.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
local key = ARGV[3] .. job
redis.call('ZADD', KEYS[3], ARGV[1], job)
redis.call('HSET', key, 'claimed_at', ARGV[1], 'last_attempt_at', ARGV[1], 'claim_token', ARGV[2])
local fields = redis.call('HGETALL', key)
table.insert(fields, 1, job)
return fields
`)

// KEYS: processing, job hash. ARGV: id, claim token.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'claim_token') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: processing, job hash. ARGV: id, claim token, now ms.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'claim_token') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

// KEYS: processing, main, delayed, failed, job hash.
// ARGV: id, claim token, now ms, error, delay ms, permanent flag.
// Returns attempts*2 + 1 when the job was failed, attempts*2 when requeued, -1 when not claimed.
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], 'claim_token') ~= ARGV[2] then
  return -1
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
local attempts = redis.call('HINCRBY', KEYS[5], 'attempts', 1)
local maxAttempts = tonumber(redis.call('HGET', KEYS[5], 'max_attempts')) or 1
redis.call('HSET', KEYS[5], 'last_error', ARGV[4])
redis.call('HDEL', KEYS[5], 'claimed_at', 'claim_token')
if ARGV[6] == '1' or attempts >= maxAttempts then
  redis.call('RPUSH', KEYS[4], ARGV[1])
  return attempts * 2 + 1
end
local delay = tonumber(ARGV[5])
if delay > 0 then
  redis.call('ZADD', KEYS[3], tonumber(ARGV[3]) + delay, ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return attempts * 2
`)

// KEYS: processing, main. ARGV: now ms, job key prefix, fallback timeout ms, then kind/timeout pairs.
var requeueStaleScript = redis.NewScript(`
local timeouts = {}
for i = 4, #ARGV, 2 do
  timeouts[ARGV[i]] = tonumber(ARGV[i + 1])
end
local now = tonumber(ARGV[1])
local fallback = tonumber(ARGV[3])
local claimed = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local moved = {}
for i = 1, #claimed, 2 do
  local id = claimed[i]
  local key = ARGV[2] .. id
  local timeout = timeouts[redis.call('HGET', key, 'kind')] or fallback
  if timeout > 0 and now - tonumber(claimed[i + 1]) > timeout then
    redis.call('ZREM', KEYS[1], id)
    redis.call('HDEL', key, 'claimed_at', 'claim_token')
    redis.call('RPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)

// KEYS: queue containers. ARGV: job key prefix, then "list" or "zset" per key.
var clearScript = redis.NewScript(`
local removed = 0
for i, key in ipairs(KEYS) do
  local ids
  if ARGV[i + 1] == 'zset' then
    ids = redis.call('ZRANGE', key, 0, -1)
  else
    ids = redis.call('LRANGE', key, 0, -1)
  end
  for _, id in ipairs(ids) do
    redis.call('DEL', ARGV[1] .. id)
  end
  removed = removed + #ids
  redis.call('DEL', key)
end
return removed
`)

// KEYS: failed, main. ARGV: job key prefix.
var requeueFailedScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call('HSET', ARGV[1] .. id, 'attempts', 0)
  redis.call('RPUSH', KEYS[2], id)
end
redis.call('DEL', KEYS[1])
return ids
`)
