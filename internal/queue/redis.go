package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key layout per queue, under callscore:q:<name>:
//
//	wait      ZSET  score = priority*1e13 + enqueue ms
//	delayed   ZSET  score = run-at ms
//	active    ZSET  score = lease deadline ms
//	completed LIST  newest first, trimmed to KeepCompleted
//	failed    LIST  newest first, trimmed to KeepFailed
//	job:<id>  HASH  job fields
//
// Scripts assume a single redis node; job keys are derived from ARGV.

var enqueueScript = redis.NewScript(`
-- KEYS[1] = job key, KEYS[2] = wait, KEYS[3] = delayed
-- ARGV = id, payload, priority, attempts, backoff_ms, timeout_ms, now_ms, delay_ms
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'payload', ARGV[2], 'priority', ARGV[3],
  'attempts', ARGV[4], 'attempts_made', '0', 'backoff_ms', ARGV[5], 'timeout_ms', ARGV[6],
  'created_at', ARGV[7])
local delay = tonumber(ARGV[8])
if delay > 0 then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], string.format('%.0f', tonumber(ARGV[7]) + delay), ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('ZADD', KEYS[2], string.format('%.0f', tonumber(ARGV[3]) * 1e13 + tonumber(ARGV[7])), ARGV[1])
end
return 1
`)

var reserveScript = redis.NewScript(`
-- KEYS[1] = wait, KEYS[2] = delayed, KEYS[3] = active
-- ARGV = now_ms, prefix, grace_ms
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local jk = ARGV[2] .. 'job:' .. id
  redis.call('ZREM', KEYS[2], id)
  if redis.call('EXISTS', jk) == 1 then
    local prio = tonumber(redis.call('HGET', jk, 'priority') or '0')
    redis.call('ZADD', KEYS[1], string.format('%.0f', prio * 1e13 + now), id)
    redis.call('HSET', jk, 'state', 'waiting')
  end
end
while true do
  local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. 'job:' .. id
  if redis.call('EXISTS', jk) == 1 then
    local timeout = tonumber(redis.call('HGET', jk, 'timeout_ms') or '0')
    redis.call('ZADD', KEYS[3], string.format('%.0f', now + timeout + tonumber(ARGV[3])), id)
    redis.call('HINCRBY', jk, 'attempts_made', 1)
    redis.call('HSET', jk, 'state', 'active')
    return redis.call('HGETALL', jk)
  end
end
`)

var completeScript = redis.NewScript(`
-- KEYS[1] = active, KEYS[2] = completed, KEYS[3] = job key
-- ARGV = id, now_ms, keep, prefix
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_at', ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[1])
local keep = tonumber(ARGV[3])
for _, old in ipairs(redis.call('LRANGE', KEYS[2], keep, -1)) do
  redis.call('DEL', ARGV[4] .. 'job:' .. old)
end
redis.call('LTRIM', KEYS[2], 0, keep - 1)
return 1
`)

var retryScript = redis.NewScript(`
-- KEYS[1] = active, KEYS[2] = delayed, KEYS[3] = job key
-- ARGV = id, run_at_ms, last_error
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'delayed', 'last_error', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var failScript = redis.NewScript(`
-- KEYS[1] = active, KEYS[2] = failed, KEYS[3] = job key
-- ARGV = id, now_ms, last_error, keep, prefix
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'failed', 'finished_at', ARGV[2], 'last_error', ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[1])
local keep = tonumber(ARGV[4])
for _, old in ipairs(redis.call('LRANGE', KEYS[2], keep, -1)) do
  redis.call('DEL', ARGV[5] .. 'job:' .. old)
end
redis.call('LTRIM', KEYS[2], 0, keep - 1)
return 1
`)

var recoverScript = redis.NewScript(`
-- KEYS[1] = active, KEYS[2] = delayed, KEYS[3] = failed
-- ARGV = now_ms, prefix, keep_failed
local now = tonumber(ARGV[1])
local failed = {}
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. 'job:' .. id
  if redis.call('EXISTS', jk) == 1 then
    local made = tonumber(redis.call('HGET', jk, 'attempts_made') or '0')
    local max = tonumber(redis.call('HGET', jk, 'attempts') or '1')
    if made >= max then
      redis.call('HSET', jk, 'state', 'failed', 'finished_at', ARGV[1], 'last_error', 'job stalled: lease expired')
      redis.call('LPUSH', KEYS[3], id)
      table.insert(failed, id)
    else
      local backoff = tonumber(redis.call('HGET', jk, 'backoff_ms') or '0')
      redis.call('HSET', jk, 'state', 'delayed', 'last_error', 'job stalled: lease expired')
      redis.call('ZADD', KEYS[2], string.format('%.0f', now + backoff), id)
    end
  end
end
return failed
`)

// RedisQueue is the durable backend.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb, prefix: "callscore:q:", now: time.Now}
}

func (q *RedisQueue) key(name Name, suffix string) string {
	return q.prefix + string(name) + ":" + suffix
}

func (q *RedisQueue) jobPrefix(name Name) string {
	return q.prefix + string(name) + ":"
}

func (q *RedisQueue) jobKey(name Name, id string) string {
	return q.jobPrefix(name) + "job:" + id
}

func (q *RedisQueue) nowMs() int64 { return q.now().UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, name Name, payload any, opts Options) (string, bool, error) {
	if !validName(name) {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", false, err
	}
	opts = opts.withDefaults(name)
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(name, id), q.key(name, "wait"), q.key(name, "delayed")},
		id, string(raw), opts.Priority, opts.Attempts, opts.Backoff.Milliseconds(), opts.Timeout.Milliseconds(),
		q.nowMs(), opts.Delay.Milliseconds()).Int()
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return id, res == 1, nil
}

func (q *RedisQueue) Reserve(ctx context.Context, name Name) (*Job, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	res, err := reserveScript.Run(ctx, q.rdb,
		[]string{q.key(name, "wait"), q.key(name, "delayed"), q.key(name, "active")},
		q.nowMs(), q.jobPrefix(name), leaseGrace.Milliseconds()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", name, err)
	}
	return jobFromPairs(name, res), nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	res, err := completeScript.Run(ctx, q.rdb,
		[]string{q.key(job.Queue, "active"), q.key(job.Queue, "completed"), q.jobKey(job.Queue, job.ID)},
		job.ID, q.nowMs(), KeepCompleted, q.jobPrefix(job.Queue)).Int()
	if err != nil {
		return fmt.Errorf("complete %s/%s: %w", job.Queue, job.ID, err)
	}
	if res == 0 {
		return ErrNotActive
	}
	job.State = StateCompleted
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error {
	runAt := q.now().Add(delay).UnixMilli()
	res, err := retryScript.Run(ctx, q.rdb,
		[]string{q.key(job.Queue, "active"), q.key(job.Queue, "delayed"), q.jobKey(job.Queue, job.ID)},
		job.ID, runAt, errString(cause)).Int()
	if err != nil {
		return fmt.Errorf("retry %s/%s: %w", job.Queue, job.ID, err)
	}
	if res == 0 {
		return ErrNotActive
	}
	job.State = StateDelayed
	job.LastError = errString(cause)
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) error {
	res, err := failScript.Run(ctx, q.rdb,
		[]string{q.key(job.Queue, "active"), q.key(job.Queue, "failed"), q.jobKey(job.Queue, job.ID)},
		job.ID, q.nowMs(), errString(cause), KeepFailed, q.jobPrefix(job.Queue)).Int()
	if err != nil {
		return fmt.Errorf("fail %s/%s: %w", job.Queue, job.ID, err)
	}
	if res == 0 {
		return ErrNotActive
	}
	job.State = StateFailed
	job.LastError = errString(cause)
	return nil
}

func (q *RedisQueue) RecoverStalled(ctx context.Context, name Name) ([]*Job, error) {
	ids, err := recoverScript.Run(ctx, q.rdb,
		[]string{q.key(name, "active"), q.key(name, "delayed"), q.key(name, "failed")},
		q.nowMs(), q.jobPrefix(name), KeepFailed).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("recover %s: %w", name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	jobs, err := q.loadJobs(ctx, name, ids)
	if err != nil {
		return nil, err
	}
	// Trim after the caller has what it needs from the hashes.
	if err := q.trim(ctx, name, "failed", KeepFailed); err != nil {
		return jobs, err
	}
	return jobs, nil
}

func (q *RedisQueue) trim(ctx context.Context, name Name, list string, keep int64) error {
	extra, err := q.rdb.LRange(ctx, q.key(name, list), keep, -1).Result()
	if err != nil || len(extra) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range extra {
		pipe.Del(ctx, q.jobKey(name, id))
	}
	pipe.LTrim(ctx, q.key(name, list), 0, keep-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Counts(ctx context.Context, name Name) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.ZCard(ctx, q.key(name, "wait"))
	delayed := pipe.ZCard(ctx, q.key(name, "delayed"))
	active := pipe.ZCard(ctx, q.key(name, "active"))
	completed := pipe.LLen(ctx, q.key(name, "completed"))
	failed := pipe.LLen(ctx, q.key(name, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("counts %s: %w", name, err)
	}
	return Counts{
		Waiting:   int(wait.Val()),
		Delayed:   int(delayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

func (q *RedisQueue) FailedJobs(ctx context.Context, name Name, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := q.rdb.LRange(ctx, q.key(name, "failed"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	return q.loadJobs(ctx, name, ids)
}

func (q *RedisQueue) loadJobs(ctx context.Context, name Name, ids []string) ([]*Job, error) {
	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(name, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, c := range cmds {
		m := c.Val()
		if len(m) == 0 {
			continue
		}
		out = append(out, jobFromMap(name, m))
	}
	return out, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func jobFromPairs(name Name, kv []string) *Job {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return jobFromMap(name, m)
}

func jobFromMap(name Name, m map[string]string) *Job {
	atoi := func(k string) int64 {
		n, _ := strconv.ParseInt(m[k], 10, 64)
		return n
	}
	j := &Job{
		ID:           m["id"],
		Queue:        name,
		Payload:      []byte(m["payload"]),
		Priority:     int(atoi("priority")),
		Attempts:     int(atoi("attempts")),
		AttemptsMade: int(atoi("attempts_made")),
		Backoff:      time.Duration(atoi("backoff_ms")) * time.Millisecond,
		Timeout:      time.Duration(atoi("timeout_ms")) * time.Millisecond,
		State:        State(m["state"]),
		LastError:    m["last_error"],
		CreatedAt:    time.UnixMilli(atoi("created_at")).UTC(),
	}
	if ms := atoi("finished_at"); ms > 0 {
		j.FinishedAt = time.UnixMilli(ms).UTC()
	}
	return j
}
