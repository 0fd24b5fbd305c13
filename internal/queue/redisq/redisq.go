// Package redisq is a queue.Backend on Redis.
//
// Layout under Prefix:
//
//	<p>:job:<id>   hash with the job fields (times in unix ms)
//	<p>:pending    zset of pending ids scored by run_at
//	<p>:leased     zset of leased ids scored by leased_at
//	<p>:jobs       zset of every id scored by run_at (admin listing)
//	<p>:finished   zset of done and dead ids scored by updated_at (pruning)
//
// Every state change runs inside a Lua script so leasing stays a single
// atomic claim across processes.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fetchsched/internal/queue"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Queue struct {
	rdb    *redis.Client
	prefix string
	policy queue.Policy
	owned  bool
}

var (
	_ queue.Backend = (*Queue)(nil)
	_ queue.Pruner  = (*Queue)(nil)
)

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, p queue.Policy) (*Queue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	q := New(rdb, cfg.Prefix, p)
	q.owned = true
	return q, nil
}

// New wraps an existing client. The caller keeps ownership of rdb.
func New(rdb *redis.Client, prefix string, p queue.Policy) *Queue {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "fetchsched"
	}
	return &Queue{rdb: rdb, prefix: prefix, policy: p.Normalized()}
}

func (q *Queue) Close() error {
	if q.owned {
		return q.rdb.Close()
	}
	return nil
}

func (q *Queue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *Queue) pendingKey() string      { return q.prefix + ":pending" }
func (q *Queue) leasedKey() string       { return q.prefix + ":leased" }
func (q *Queue) jobsKey() string         { return q.prefix + ":jobs" }
func (q *Queue) finishedKey() string     { return q.prefix + ":finished" }

var leaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
local k = ARGV[2] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', k, 'status', 'leased', 'leased_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('HINCRBY', k, 'attempts', 1)
return id
`)

// transitionScript moves a job from ARGV[2] to ARGV[3]. ARGV[9] and ARGV[10],
// when set, also require attempts to equal ARGV[9] and leased_at to be at or
// before ARGV[10].
// Returns -1 when the job is missing and 0 when it is not in the expected state.
var transitionScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= ARGV[2] then return 0 end
if ARGV[9] ~= '' and tonumber(redis.call('HGET', KEYS[1], 'attempts')) ~= tonumber(ARGV[9]) then return 0 end
if ARGV[10] ~= '' and tonumber(redis.call('HGET', KEYS[1], 'leased_at')) > tonumber(ARGV[10]) then return 0 end
local id, to = ARGV[1], ARGV[3]
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'run_at', ARGV[4])
  redis.call('ZADD', KEYS[4], ARGV[4], id)
end
if ARGV[6] == '1' then redis.call('HSET', KEYS[1], 'attempts', 0) end
if ARGV[7] == '1' then redis.call('HSET', KEYS[1], 'last_error', ARGV[5]) end
redis.call('ZREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
if to == 'pending' then
  redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[1], 'run_at'), id)
end
if to == 'done' or to == 'dead' then
  redis.call('ZADD', KEYS[5], ARGV[8], id)
else
  redis.call('ZREM', KEYS[5], id)
end
redis.call('HSET', KEYS[1], 'status', to, 'leased_at', 0, 'updated_at', ARGV[8])
return 1
`)

// pruneScript deletes up to ARGV[3] finished jobs with updated_at before
// ARGV[1]. Returns {deleted, scanned}.
var pruneScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local n = 0
for _, id in ipairs(ids) do
  local k = ARGV[2] .. id
  local st = redis.call('HGET', k, 'status')
  redis.call('ZREM', KEYS[1], id)
  if st == 'done' or st == 'dead' or not st then
    redis.call('DEL', k)
    redis.call('ZREM', KEYS[2], id)
    if st then n = n + 1 end
  end
end
return {n, #ids}
`)

const pruneBatch = 500

type transition struct {
	id            string
	from, to      queue.Status
	runAt         time.Time
	lastErr       string
	setErr        bool
	resetAttempts bool
	now           time.Time
	// attempt, when non-zero, fences the move to one lease.
	attempt int
	// leasedBefore, when set, requires leased_at <= leasedBefore.
	leasedBefore time.Time
}

func (q *Queue) transition(ctx context.Context, tr transition) error {
	runAt := ""
	if !tr.runAt.IsZero() {
		runAt = strconv.FormatInt(tr.runAt.UnixMilli(), 10)
	}
	attempt, cutoff := "", ""
	if tr.attempt > 0 {
		attempt = strconv.Itoa(tr.attempt)
	}
	if !tr.leasedBefore.IsZero() {
		cutoff = strconv.FormatInt(tr.leasedBefore.UnixMilli(), 10)
	}
	res, err := transitionScript.Run(ctx, q.rdb,
		[]string{q.jobKey(tr.id), q.pendingKey(), q.leasedKey(), q.jobsKey(), q.finishedKey()},
		tr.id, string(tr.from), string(tr.to), runAt, tr.lastErr, flag(tr.resetAttempts), flag(tr.setErr), tr.now.UnixMilli(),
		attempt, cutoff,
	).Int()
	if err != nil {
		return fmt.Errorf("redis transition %s: %w", tr.id, err)
	}
	switch res {
	case -1:
		return queue.ErrNotFound
	case 0:
		if tr.from == queue.StatusDead {
			return queue.ErrNotDead
		}
		return queue.ErrNotLeased
	}
	return nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (q *Queue) Enqueue(ctx context.Context, fetchID int64, runAt time.Time) (string, error) {
	id := queue.NewID()
	now := time.Now().UnixMilli()
	at := runAt.UnixMilli()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			"fetch_id":     fetchID,
			"run_at":       at,
			"status":       string(queue.StatusPending),
			"attempts":     0,
			"max_attempts": q.policy.MaxAttempts,
			"last_error":   "",
			"leased_at":    0,
			"created_at":   now,
			"updated_at":   now,
		})
		pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(at), Member: id})
		pipe.ZAdd(ctx, q.jobsKey(), redis.Z{Score: float64(at), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis enqueue fetch %d: %w", fetchID, err)
	}
	return id, nil
}

func (q *Queue) LeaseNext(ctx context.Context, now time.Time) (*queue.Job, error) {
	id, err := leaseScript.Run(ctx, q.rdb, []string{q.pendingKey(), q.leasedKey()}, now.UnixMilli(), q.prefix+":job:").Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis lease: %w", err)
	}
	j, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *Queue) Ack(ctx context.Context, id string, attempt int) error {
	if attempt <= 0 {
		return queue.ErrNotLeased
	}
	return q.transition(ctx, transition{id: id, from: queue.StatusLeased, to: queue.StatusDone, now: time.Now(), attempt: attempt})
}

func (q *Queue) Fail(ctx context.Context, id string, attempt int, cause error, now time.Time) (queue.Status, error) {
	j, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if j.Status != queue.StatusLeased || j.Attempts != attempt || attempt <= 0 {
		return j.Status, queue.ErrNotLeased
	}
	st, runAt := q.policy.Next(j.Attempts, j.MaxAttempts, cause, now)
	err = q.transition(ctx, transition{
		id: id, from: queue.StatusLeased, to: st, runAt: runAt,
		lastErr: queue.ErrorText(cause), setErr: true, now: now, attempt: attempt,
	})
	if err != nil {
		return "", err
	}
	return st, nil
}

func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-timeout)
	ids, err := q.rdb.ZRangeByScore(ctx, q.leasedKey(), &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(cutoff.UnixMilli(), 10)}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis reclaim scan: %w", err)
	}
	n := 0
	for _, id := range ids {
		j, err := q.Get(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			_ = q.rdb.ZRem(ctx, q.leasedKey(), id).Err()
			continue
		}
		if err != nil {
			return n, err
		}
		if err := q.reclaim(ctx, j, cutoff, now); err != nil {
			if errors.Is(err, queue.ErrNotLeased) || errors.Is(err, queue.ErrNotFound) {
				continue // finished or re-leased since the scan
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// reclaim expires the lease seen in j. It only applies while the job still
// holds that same lease.
func (q *Queue) reclaim(ctx context.Context, j queue.Job, cutoff, now time.Time) error {
	if j.Status != queue.StatusLeased || j.Attempts <= 0 {
		return queue.ErrNotLeased
	}
	to := queue.StatusPending
	if j.Attempts >= j.MaxAttempts {
		to = queue.StatusDead
	}
	return q.transition(ctx, transition{
		id: j.ID, from: queue.StatusLeased, to: to, runAt: now,
		lastErr: queue.LeaseExpiredError, setErr: true, now: now,
		attempt: j.Attempts, leasedBefore: cutoff,
	})
}

// PruneFinished deletes done and dead jobs last updated before cutoff.
func (q *Queue) PruneFinished(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		res, err := pruneScript.Run(ctx, q.rdb,
			[]string{q.finishedKey(), q.jobsKey()},
			cutoff.UnixMilli(), q.prefix+":job:", pruneBatch,
		).Int64Slice()
		if err != nil {
			return total, fmt.Errorf("redis prune: %w", err)
		}
		if len(res) != 2 {
			return total, fmt.Errorf("redis prune: unexpected reply %v", res)
		}
		total += int(res[0])
		if res[1] < pruneBatch {
			return total, nil
		}
	}
}

func (q *Queue) Get(ctx context.Context, id string) (queue.Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return queue.Job{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	if len(m) == 0 {
		return queue.Job{}, queue.ErrNotFound
	}
	return decodeJob(id, m)
}

func (q *Queue) List(ctx context.Context, f queue.Filter) ([]queue.Job, error) {
	ids, err := q.rdb.ZRange(ctx, q.jobsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	limit := f.EffectiveLimit()
	out := make([]queue.Job, 0, min(len(ids), limit))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		j, err := decodeJob(ids[i], m)
		if err != nil {
			return nil, err
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.FetchID != 0 && j.FetchID != f.FetchID {
			continue
		}
		out = append(out, j)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (q *Queue) Requeue(ctx context.Context, id string, runAt time.Time) error {
	return q.transition(ctx, transition{
		id: id, from: queue.StatusDead, to: queue.StatusPending, runAt: runAt,
		setErr: true, resetAttempts: true, now: time.Now(),
	})
}

func decodeJob(id string, m map[string]string) (queue.Job, error) {
	var perr error
	num := func(k string) int64 {
		v, ok := m[k]
		if !ok || v == "" {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil && perr == nil {
			perr = fmt.Errorf("redis job %s: field %s=%q: %w", id, k, v, err)
		}
		return n
	}
	ms := func(k string) time.Time {
		n := num(k)
		if n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n)
	}
	j := queue.Job{
		ID:          id,
		FetchID:     num("fetch_id"),
		RunAt:       ms("run_at"),
		Status:      queue.Status(m["status"]),
		Attempts:    int(num("attempts")),
		MaxAttempts: int(num("max_attempts")),
		LastError:   m["last_error"],
		LeasedAt:    ms("leased_at"),
		CreatedAt:   ms("created_at"),
		UpdatedAt:   ms("updated_at"),
	}
	return j, perr
}
