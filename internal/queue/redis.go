package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
)

// Every key shares one hash tag so the scripts stay on a single cluster slot.
//
//	{dispatch:<name>}:seq        enqueue counter
//	{dispatch:<name>}:job:<id>   job hash, sender credentials in their own field
//	{dispatch:<name>}:scheduled  waiting and delayed jobs, score visible_at (ms)
//	{dispatch:<name>}:active     leased jobs, score lease_until (ms)
//	{dispatch:<name>}:completed  score finished_at (ms)
//	{dispatch:<name>}:failed     score finished_at (ms)
//
// Scheduled members are "<seq padded to 20>:<id>" so equal scores pop in enqueue order.
// Completed and failed hashes stay for Get and Stats with the credentials field
// deleted; nothing trims them by age.
const reapBatch = 100

var enqueueScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local key = ARGV[1] .. ARGV[2]
redis.call('HSET', key,
	'id', ARGV[2], 'payload', ARGV[3], 'attempts', 0, 'max_attempts', ARGV[4],
	'state', ARGV[7], 'visible_at', ARGV[5], 'enqueued_at', ARGV[6], 'seq', seq,
	'credentials', ARGV[8])
redis.call('ZADD', KEYS[2], ARGV[5], string.format('%020d', seq) .. ':' .. ARGV[2])
return seq
`)

var leaseScript = goredis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
local member = items[1]
local id = string.sub(member, 22)
local key = ARGV[1] .. id
redis.call('ZREM', KEYS[1], member)
redis.call('HSET', key, 'state', 'active', 'leased_by', ARGV[4], 'lease_token', ARGV[5], 'lease_until', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], id)
return redis.call('HGETALL', key)
`)

var ackScript = goredis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', key) == 0 then
	return redis.error_reply('NOT_FOUND')
end
local f = redis.call('HMGET', key, 'state', 'lease_token')
if f[1] ~= 'active' or f[2] ~= ARGV[3] then
	return redis.error_reply('LEASE_LOST')
end
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'completed', 'finished_at', ARGV[4])
redis.call('HDEL', key, 'leased_by', 'lease_token', 'lease_until', 'credentials')
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
return 1
`)

// settleLua counts a failed attempt against an active job and either
// re-schedules it with the delay for that attempt or moves it to failed.
// KEYS: active, scheduled, failed. Delays start at ARGV[offset+1].
const settleLua = `
local function settle(key, id, now, last_error, permanent, offset)
	local f = redis.call('HMGET', key, 'max_attempts', 'seq')
	local attempts = redis.call('HINCRBY', key, 'attempts', 1)
	redis.call('HDEL', key, 'leased_by', 'lease_token', 'lease_until')
	redis.call('ZREM', KEYS[1], id)
	if permanent or attempts >= tonumber(f[1]) then
		redis.call('HSET', key, 'state', 'failed', 'last_error', last_error, 'finished_at', now)
		redis.call('HDEL', key, 'credentials')
		redis.call('ZADD', KEYS[3], now, id)
		return true
	end
	local delay = tonumber(ARGV[offset + attempts] or ARGV[#ARGV])
	local visible = tonumber(now) + delay
	redis.call('HSET', key, 'state', 'delayed', 'last_error', last_error, 'visible_at', string.format('%d', visible))
	redis.call('ZADD', KEYS[2], visible, string.format('%020d', tonumber(f[2])) .. ':' .. id)
	return false
end
`

var nackScript = goredis.NewScript(settleLua + `
local key = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', key) == 0 then
	return redis.error_reply('NOT_FOUND')
end
local f = redis.call('HMGET', key, 'state', 'lease_token')
if f[1] ~= 'active' or f[2] ~= ARGV[3] then
	return redis.error_reply('LEASE_LOST')
end
settle(key, ARGV[2], ARGV[4], ARGV[5], ARGV[6] == '1', 6)
return redis.call('HGETALL', key)
`)

var reapScript = goredis.NewScript(settleLua + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[4]))
local failed = {}
for _, id in ipairs(ids) do
	if settle(ARGV[1] .. id, id, ARGV[2], ARGV[3], false, 4) then
		table.insert(failed, id)
	end
end
return failed
`)

type Redis struct {
	rdb  *goredis.Client
	cfg  Config
	opts options

	prefix string
}

func NewRedis(rdb *goredis.Client, cfg Config, opts ...Option) *Redis {
	return &Redis{
		rdb:    rdb,
		cfg:    cfg,
		opts:   buildOptions(opts),
		prefix: fmt.Sprintf("{dispatch:%s}", cfg.Name),
	}
}

func (q *Redis) key(suffix string) string {
	return q.prefix + ":" + suffix
}

func (q *Redis) jobKeyPrefix() string {
	return q.prefix + ":job:"
}

func (q *Redis) Enqueue(ctx context.Context, payload model.JobPayload, delay time.Duration) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}

	creds, err := json.Marshal(payload.Credentials)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credentials: %w", err)
	}

	payload.Credentials = model.Credentials{}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	if delay < 0 {
		delay = 0
	}

	now := q.opts.now()
	state := model.JobWaiting
	if delay > 0 {
		state = model.JobDelayed
	}

	id := newJobID()
	err = enqueueScript.Run(ctx, q.rdb,
		[]string{q.key("seq"), q.key("scheduled")},
		q.jobKeyPrefix(), id, raw, q.cfg.MaxAttempts,
		now.Add(delay).UnixMilli(), now.UnixMilli(), string(state), creds,
	).Err()
	if err != nil {
		return "", fmt.Errorf("%w: failed to enqueue job: %v", apperrors.ErrQueueUnavailable, err)
	}

	return id, nil
}

func (q *Redis) Lease(ctx context.Context, workerID string) (*model.Job, error) {
	now := q.opts.now()
	until := now.Add(q.cfg.LeaseTTL)

	fields, err := leaseScript.Run(ctx, q.rdb,
		[]string{q.key("scheduled"), q.key("active")},
		q.jobKeyPrefix(), now.UnixMilli(), until.UnixMilli(), workerID, newLeaseToken(),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lease job: %v", apperrors.ErrQueueUnavailable, err)
	}

	return decodeJob(pairs(fields))
}

func (q *Redis) Ack(ctx context.Context, jobID, token string) error {
	err := ackScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("completed")},
		q.jobKeyPrefix(), jobID, token, q.opts.now().UnixMilli(),
	).Err()
	if err != nil {
		return scriptError(jobID, err)
	}

	return nil
}

func (q *Redis) Nack(ctx context.Context, jobID, token string, cause error) (*model.Job, error) {
	return q.settle(ctx, jobID, token, cause, false)
}

func (q *Redis) Fail(ctx context.Context, jobID, token string, cause error) (*model.Job, error) {
	return q.settle(ctx, jobID, token, cause, true)
}

func (q *Redis) settle(ctx context.Context, jobID, token string, cause error, permanent bool) (*model.Job, error) {
	flag := "0"
	if permanent {
		flag = "1"
	}

	args := []any{q.jobKeyPrefix(), jobID, token, q.opts.now().UnixMilli(), errorText(cause), flag}
	args = append(args, q.delays()...)

	fields, err := nackScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("scheduled"), q.key("failed")},
		args...,
	).StringSlice()
	if err != nil {
		return nil, scriptError(jobID, err)
	}

	return decodeJob(pairs(fields))
}

func (q *Redis) ReapExpired(ctx context.Context) ([]*model.Job, error) {
	args := []any{q.jobKeyPrefix(), q.opts.now().UnixMilli(), apperrors.ErrLeaseExpired.Error(), reapBatch}
	args = append(args, q.delays()...)

	ids, err := reapScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("scheduled"), q.key("failed")},
		args...,
	).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to reap expired leases: %w", err)
	}

	failed := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			return failed, err
		}
		failed = append(failed, job)
	}

	return failed, nil
}

func (q *Redis) Get(ctx context.Context, jobID string) (*model.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKeyPrefix()+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, apperrors.ErrJobNotFound)
	}

	job, err := decodeJob(fields)
	if err != nil {
		return nil, err
	}

	if job.State == model.JobDelayed && !job.VisibleAt.After(q.opts.now()) {
		job.State = model.JobWaiting
	}

	return job, nil
}

func (q *Redis) Stats(ctx context.Context) (model.QueueStats, error) {
	now := strconv.FormatInt(q.opts.now().UnixMilli(), 10)

	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCount(ctx, q.key("scheduled"), "-inf", now)
	delayed := pipe.ZCount(ctx, q.key("scheduled"), "("+now, "+inf")
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))

	if _, err := pipe.Exec(ctx); err != nil {
		return model.QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return model.QueueStats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Close is a no-op; the client belongs to pkg/redis.
func (q *Redis) Close() error {
	return nil
}

// delays lists the backoff in ms for attempts 1..MaxAttempts-1, at least one entry.
func (q *Redis) delays() []any {
	n := q.cfg.MaxAttempts - 1
	if n < 1 {
		n = 1
	}

	b := q.cfg.backoff()
	out := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, b.Delay(i).Milliseconds())
	}

	return out
}

func scriptError(jobID string, err error) error {
	switch {
	case strings.HasPrefix(err.Error(), "NOT_FOUND"):
		return fmt.Errorf("failed to settle job %s: %w", jobID, apperrors.ErrJobNotFound)
	case strings.HasPrefix(err.Error(), "LEASE_LOST"):
		return fmt.Errorf("failed to settle job %s: %w", jobID, apperrors.ErrLeaseLost)
	default:
		return fmt.Errorf("failed to settle job %s: %w", jobID, err)
	}
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}

	return m
}

func decodeJob(f map[string]string) (*model.Job, error) {
	job := &model.Job{
		ID:         f["id"],
		State:      model.JobState(f["state"]),
		LeasedBy:   f["leased_by"],
		LeaseToken: f["lease_token"],
		LastError:  f["last_error"],
		VisibleAt:  msTime(f["visible_at"]),
		EnqueuedAt: msTime(f["enqueued_at"]),
	}

	if err := json.Unmarshal([]byte(f["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode job %s payload: %w", job.ID, err)
	}

	if v := f["credentials"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Payload.Credentials); err != nil {
			return nil, fmt.Errorf("failed to decode job %s credentials: %w", job.ID, err)
		}
	}

	job.Attempts, _ = strconv.Atoi(f["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])

	if v, ok := f["lease_until"]; ok && v != "" {
		t := msTime(v)
		job.LeaseUntil = &t
	}

	if v, ok := f["finished_at"]; ok && v != "" {
		t := msTime(v)
		job.FinishedAt = &t
	}

	return job, nil
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}
