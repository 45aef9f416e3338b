package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronoq/chronoq/pkg/events"
	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/resilience"
)

const (
	defaultRedisPrefix           = "chronoq:queue"
	defaultRedisOperationTimeout = 5 * time.Second
	defaultTransferBatch         = 100
	defaultPurgeBatch            = 500

	// HeaderReplayed marks jobs requeued from the dead letter set.
	HeaderReplayed = "replayed"

	// prioritySpan packs (priority, enqueue sequence) into one float score:
	// score = priority * 2^40 + seq. Priorities are capped so the packed
	// value stays exactly representable.
	prioritySpan = 1 << 40
)

// Set membership (ready/delayed/active/dead/completed), not the stored
// body's status field, is authoritative for a job's state: bodies are only
// rewritten on Fail transitions.
var (
	redisEnqueueScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1])
if tonumber(ARGV[3]) > tonumber(ARGV[4]) then
  redis.call("ZADD", KEYS[3], tonumber(ARGV[3]), ARGV[2])
else
  local seq = redis.call("INCR", KEYS[4])
  redis.call("ZADD", KEYS[2], tonumber(ARGV[5]) * 1099511627776 + seq, ARGV[2])
end
return 1
`)

	redisDequeueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[3], "LIMIT", 0, tonumber(ARGV[4]))
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  local body = redis.call("GET", ARGV[1] .. id)
  if body then
    local priority = 0
    local ok, decoded = pcall(cjson.decode, body)
    if ok and type(decoded) == "table" and type(decoded["priority"]) == "number" then
      priority = decoded["priority"]
    end
    local seq = redis.call("INCR", KEYS[3])
    redis.call("ZADD", KEYS[2], priority * 1099511627776 + seq, id)
  end
end

local popped = redis.call("ZPOPMIN", KEYS[2])
if #popped == 0 then
  return nil
end
local id = popped[1]
local body = redis.call("GET", ARGV[1] .. id)
if not body then
  return nil
end
redis.call("SET", ARGV[2] .. id, ARGV[6], "PX", tonumber(ARGV[5]))
redis.call("ZADD", KEYS[4], tonumber(ARGV[3]) + tonumber(ARGV[5]), id)
return {id, body}
`)

	redisCompleteScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
if current ~= ARGV[1] then
  return -1
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
if tonumber(ARGV[4]) == 1 then
  redis.call("ZADD", KEYS[3], tonumber(ARGV[3]), ARGV[2])
else
  redis.call("DEL", KEYS[4])
end
return 1
`)

	redisRetryScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
if current ~= ARGV[1] then
  return -1
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("SET", KEYS[5], ARGV[3])
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
  redis.call("ZADD", KEYS[4], tonumber(ARGV[4]), ARGV[2])
else
  local seq = redis.call("INCR", KEYS[6])
  redis.call("ZADD", KEYS[3], tonumber(ARGV[6]) * 1099511627776 + seq, ARGV[2])
end
return 1
`)

	redisDeadScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
if current ~= ARGV[1] then
  return -1
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
if tonumber(ARGV[5]) == 1 then
  redis.call("SET", KEYS[4], ARGV[3])
  redis.call("ZADD", KEYS[3], tonumber(ARGV[4]), ARGV[2])
else
  redis.call("DEL", KEYS[4])
end
return 1
`)

	redisExtendScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
if current ~= ARGV[1] then
  return -1
end
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[3]))
redis.call("ZADD", KEYS[2], tonumber(ARGV[4]) + tonumber(ARGV[3]), ARGV[2])
return 1
`)

	redisReclaimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[3], "LIMIT", 0, tonumber(ARGV[4]))
local reclaimed = {}
for _, id in ipairs(expired) do
  if redis.call("EXISTS", ARGV[2] .. id) == 1 then
    local ttl = redis.call("PTTL", ARGV[2] .. id)
    if ttl > 0 then
      redis.call("ZADD", KEYS[1], tonumber(ARGV[3]) + ttl, id)
    end
  else
    redis.call("ZREM", KEYS[1], id)
    local body = redis.call("GET", ARGV[1] .. id)
    if body then
      local priority = 0
      local ok, decoded = pcall(cjson.decode, body)
      if ok and type(decoded) == "table" and type(decoded["priority"]) == "number" then
        priority = decoded["priority"]
      end
      local seq = redis.call("INCR", KEYS[3])
      redis.call("ZADD", KEYS[2], priority * 1099511627776 + seq, id)
      table.insert(reclaimed, id)
    end
  end
end
return reclaimed
`)

	redisPurgeScript = redis.NewScript(`
local old = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(old) do
  redis.call("DEL", ARGV[1] .. id)
  redis.call("ZREM", KEYS[1], id)
end
return #old
`)
)

// RedisQueueConfig configures one Redis-backed queue.
type RedisQueueConfig struct {
	URL              string
	Queue            string
	Prefix           string
	OperationTimeout time.Duration
	StallTimeout     time.Duration
	TransferBatch    int

	// DropExhausted drops jobs that exhaust their attempts instead of
	// parking them in the dead letter set.
	DropExhausted bool

	// KeepCompleted retains completed job bodies for retention tooling
	// instead of deleting them on Complete.
	KeepCompleted bool

	Retry resilience.RetryConfig

	Breaker resilience.BreakerConfig
}

func (c *RedisQueueConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.TransferBatch <= 0 {
		c.TransferBatch = defaultTransferBatch
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
}

// RedisQueue implements Queue, DeadLetterStore and Reclaimer on Redis sorted
// sets with per-job claim keys. Every transition is one Lua script, so
// concurrent workers across processes see single winners.
type RedisQueue struct {
	client  *redis.Client
	log     logger.Logger
	sink    events.Sink
	config  RedisQueueConfig
	breaker *resilience.CircuitBreaker

	mu     sync.RWMutex
	closed bool
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg RedisQueueConfig, log logger.Logger, sink events.Sink) (*RedisQueue, error) {
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, queueError(ErrInvalidArgument, "redis url is required")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, queueError(ErrInvalidArgument, "queue name is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(queueError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(queueError(ErrRetryable, "ping redis failed"), err)
	}

	return &RedisQueue{
		client:  client,
		log:     log,
		sink:    events.OrNop(sink),
		config:  cfg,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}, nil
}

// Enqueue persists the job and makes it eligible at NotBefore.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if err := q.ensureOpen(); err != nil {
		return "", err
	}
	if job == nil {
		return "", queueError(ErrInvalidArgument, "job is required")
	}

	jobCopy := cloneJob(job)
	if strings.TrimSpace(jobCopy.ID) == "" {
		jobCopy.ID = newJobID()
	}
	jobCopy.Queue = q.config.Queue
	jobCopy.Status = StatusPending
	jobCopy.Backoff.normalize()
	if jobCopy.CreatedAt.IsZero() {
		jobCopy.CreatedAt = time.Now().UTC()
	}
	if jobCopy.NotBefore.IsZero() {
		jobCopy.NotBefore = jobCopy.CreatedAt
	}
	if err := jobCopy.Validate(); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(jobCopy)
	if err != nil {
		return "", errors.Join(queueError(ErrValidation, "marshal job failed"), err)
	}

	now := time.Now().UTC()
	err = resilience.Retry(ctx, q.config.Retry, func(ctx context.Context) error {
		_, runErr := q.runScript(
			ctx, redisEnqueueScript,
			[]string{q.jobKey(jobCopy.ID), q.readyKey(), q.delayedKey(), q.seqKey()},
			string(encoded), jobCopy.ID, jobCopy.NotBefore.UnixMilli(), now.UnixMilli(), jobCopy.Priority,
		)
		return runErr
	})
	if err != nil {
		return "", errors.Join(queueError(ErrRetryable, "enqueue failed"), err)
	}

	recordJobEnqueued(q.config.Queue, jobCopy.Type)
	q.sink.Emit(ctx, events.Event{
		Type:    events.TypeJobEnqueued,
		At:      now,
		Queue:   q.config.Queue,
		JobID:   jobCopy.ID,
		JobType: jobCopy.Type,
	})
	return jobCopy.ID, nil
}

// Dequeue claims the most urgent eligible job for workerID.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*Job, *Claim, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, nil, err
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, nil, queueError(ErrInvalidArgument, "worker id is required")
	}

	token := randomClaimToken()
	now := time.Now().UTC()
	stallMs := q.config.StallTimeout.Milliseconds()

	result, err := q.runScript(
		ctx, redisDequeueScript,
		[]string{q.delayedKey(), q.readyKey(), q.seqKey(), q.activeKey()},
		q.jobKeyPrefix(), q.claimKeyPrefix(), now.UnixMilli(), q.config.TransferBatch, stallMs, token,
	)
	if errors.Is(err, redis.Nil) {
		return nil, nil, ErrEmpty
	}
	if err != nil {
		return nil, nil, errors.Join(queueError(ErrRetryable, "dequeue failed"), err)
	}

	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, nil, queueError(ErrRetryable, "unexpected dequeue script reply")
	}
	raw, _ := pair[1].(string)

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.log.Warn("discarding malformed job payload", "queue", q.config.Queue, "error", err)
		return nil, nil, errors.Join(queueError(ErrValidation, "decode job failed"), err)
	}
	job.Status = StatusActive
	job.ClaimedBy = workerID

	claim := &Claim{
		JobID:     job.ID,
		Queue:     q.config.Queue,
		Token:     token,
		WorkerID:  workerID,
		Attempt:   job.AttemptsMade,
		ExpiresAt: now.Add(q.config.StallTimeout),
	}

	recordJobClaimed(q.config.Queue, job.Type)
	q.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobClaimed,
		At:       now,
		Queue:    q.config.Queue,
		JobID:    job.ID,
		JobType:  job.Type,
		WorkerID: workerID,
		Attempt:  job.AttemptsMade,
	})
	return &job, claim, nil
}

// Complete transitions the claimed job to completed.
func (q *RedisQueue) Complete(ctx context.Context, claim *Claim) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := validateClaim(claim); err != nil {
		return err
	}

	now := time.Now().UTC()
	keep := 0
	if q.config.KeepCompleted {
		keep = 1
	}

	reply, err := q.runScript(
		ctx, redisCompleteScript,
		[]string{q.claimKey(claim.JobID), q.activeKey(), q.completedKey(), q.jobKey(claim.JobID)},
		claim.Token, claim.JobID, now.UnixMilli(), keep,
	)
	if err != nil {
		return errors.Join(queueError(ErrRetryable, "complete failed"), err)
	}
	if result := scriptInt(reply); result != 1 {
		return claimRejection(result)
	}

	recordJobProcessed(q.config.Queue, "completed")
	q.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobCompleted,
		At:       now,
		Queue:    q.config.Queue,
		JobID:    claim.JobID,
		WorkerID: claim.WorkerID,
	})
	return nil
}

// Fail records a failed attempt and routes the job to retry, the dead letter
// set, or the drop path.
func (q *RedisQueue) Fail(ctx context.Context, claim *Claim, cause error) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := validateClaim(claim); err != nil {
		return err
	}

	job, err := q.readJob(ctx, claim.JobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job.AttemptsMade++
	job.LastAttemptAt = now
	job.LastError = ""
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.AttemptsMade < job.MaxAttempts {
		return q.retry(ctx, claim, job, now)
	}
	return q.exhaust(ctx, claim, job, now)
}

func (q *RedisQueue) retry(ctx context.Context, claim *Claim, job *Job, now time.Time) error {
	delay := backoffDelay(job.Backoff, job.AttemptsMade)
	job.Status = StatusPending
	job.ClaimedBy = ""
	job.NotBefore = now.Add(delay)

	encoded, err := json.Marshal(job)
	if err != nil {
		return errors.Join(queueError(ErrValidation, "marshal retry job failed"), err)
	}

	reply, err := q.runScript(
		ctx, redisRetryScript,
		[]string{
			q.claimKey(job.ID), q.activeKey(), q.readyKey(),
			q.delayedKey(), q.jobKey(job.ID), q.seqKey(),
		},
		claim.Token, job.ID, string(encoded), job.NotBefore.UnixMilli(), now.UnixMilli(), job.Priority,
	)
	if err != nil {
		return errors.Join(queueError(ErrRetryable, "retry transition failed"), err)
	}
	if result := scriptInt(reply); result != 1 {
		return claimRejection(result)
	}

	recordJobProcessed(q.config.Queue, "retry")
	q.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobFailed,
		At:       now,
		Queue:    q.config.Queue,
		JobID:    job.ID,
		JobType:  job.Type,
		WorkerID: claim.WorkerID,
		Attempt:  job.AttemptsMade,
		Error:    job.LastError,
	})
	return nil
}

func (q *RedisQueue) exhaust(ctx context.Context, claim *Claim, job *Job, now time.Time) error {
	keep := 1
	status := StatusDead
	if q.config.DropExhausted {
		keep = 0
		status = StatusFailed
	}
	job.Status = status
	job.ClaimedBy = ""

	encoded, err := json.Marshal(job)
	if err != nil {
		return errors.Join(queueError(ErrValidation, "marshal dead job failed"), err)
	}

	reply, err := q.runScript(
		ctx, redisDeadScript,
		[]string{q.claimKey(job.ID), q.activeKey(), q.deadKey(), q.jobKey(job.ID)},
		claim.Token, job.ID, string(encoded), now.UnixMilli(), keep,
	)
	if err != nil {
		return errors.Join(queueError(ErrRetryable, "dead transition failed"), err)
	}
	if result := scriptInt(reply); result != 1 {
		return claimRejection(result)
	}

	if q.config.DropExhausted {
		recordJobProcessed(q.config.Queue, "dropped")
	} else {
		recordJobProcessed(q.config.Queue, "dead")
	}
	q.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobDead,
		At:       now,
		Queue:    q.config.Queue,
		JobID:    job.ID,
		JobType:  job.Type,
		WorkerID: claim.WorkerID,
		Attempt:  job.AttemptsMade,
		Error:    job.LastError,
	})
	return nil
}

// ExtendClaim pushes the claim expiry forward.
func (q *RedisQueue) ExtendClaim(ctx context.Context, claim *Claim, d time.Duration) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := validateClaim(claim); err != nil {
		return err
	}
	if d <= 0 {
		d = q.config.StallTimeout
	}

	now := time.Now().UTC()
	reply, err := q.runScript(
		ctx, redisExtendScript,
		[]string{q.claimKey(claim.JobID), q.activeKey()},
		claim.Token, claim.JobID, d.Milliseconds(), now.UnixMilli(),
	)
	if err != nil {
		return errors.Join(queueError(ErrRetryable, "extend claim failed"), err)
	}
	if result := scriptInt(reply); result != 1 {
		return claimRejection(result)
	}

	claim.ExpiresAt = now.Add(d)
	return nil
}

// ReclaimStalled returns expired active jobs to pending without touching
// their attempt counters.
func (q *RedisQueue) ReclaimStalled(ctx context.Context) (int, error) {
	if err := q.ensureOpen(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	result, err := q.runScript(
		ctx, redisReclaimScript,
		[]string{q.activeKey(), q.readyKey(), q.seqKey()},
		q.jobKeyPrefix(), q.claimKeyPrefix(), now.UnixMilli(), q.config.TransferBatch,
	)
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, errors.Join(queueError(ErrRetryable, "reclaim stalled failed"), err)
	}

	ids, _ := result.([]interface{})
	for _, rawID := range ids {
		id, _ := rawID.(string)
		if id == "" {
			continue
		}
		recordJobReclaimed(q.config.Queue)
		q.sink.Emit(ctx, events.Event{
			Type:  events.TypeJobReclaimed,
			At:    now,
			Queue: q.config.Queue,
			JobID: id,
		})
	}
	return len(ids), nil
}

// DeadJobs lists parked jobs, most recent first.
func (q *RedisQueue) DeadJobs(ctx context.Context, limit int) ([]*DeadJob, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	opCtx, cancel := q.operationContext(ctx)
	members, err := q.client.ZRevRangeWithScores(opCtx, q.deadKey(), 0, int64(limit-1)).Result()
	cancel()
	if err != nil {
		return nil, errors.Join(queueError(ErrRetryable, "list dead jobs failed"), err)
	}

	dead := make([]*DeadJob, 0, len(members))
	for _, member := range members {
		id, _ := member.Member.(string)
		if id == "" {
			continue
		}
		job, readErr := q.readJob(ctx, id)
		if readErr != nil {
			if errors.Is(readErr, ErrNotFound) {
				continue
			}
			return nil, readErr
		}
		dead = append(dead, &DeadJob{
			Job:      job,
			Reason:   job.LastError,
			FailedAt: time.UnixMilli(int64(member.Score)).UTC(),
		})
	}
	return dead, nil
}

// Replay requeues dead jobs with a fresh attempt budget.
func (q *RedisQueue) Replay(ctx context.Context, ids []string) (int, error) {
	if err := q.ensureOpen(); err != nil {
		return 0, err
	}

	replayed := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}

		opCtx, cancel := q.operationContext(ctx)
		_, err := q.client.ZScore(opCtx, q.deadKey(), id).Result()
		cancel()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return replayed, errors.Join(queueError(ErrRetryable, "read dead index failed"), err)
		}

		job, err := q.readJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return replayed, err
		}

		job.AttemptsMade = 0
		job.Status = StatusPending
		job.LastError = ""
		job.NotBefore = time.Now().UTC()
		if job.Headers == nil {
			job.Headers = map[string]string{}
		}
		job.Headers[HeaderReplayed] = "true"

		if _, err := q.Enqueue(ctx, job); err != nil {
			return replayed, err
		}

		opCtx, cancel = q.operationContext(ctx)
		err = q.client.ZRem(opCtx, q.deadKey(), id).Err()
		cancel()
		if err != nil {
			return replayed, errors.Join(queueError(ErrRetryable, "remove dead index failed"), err)
		}
		replayed++
	}
	return replayed, nil
}

// PurgeDead removes dead jobs parked longer than olderThan.
func (q *RedisQueue) PurgeDead(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.purge(ctx, q.deadKey(), olderThan)
}

// PurgeCompleted removes retained completed jobs older than olderThan.
func (q *RedisQueue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.purge(ctx, q.completedKey(), olderThan)
}

func (q *RedisQueue) purge(ctx context.Context, indexKey string, olderThan time.Duration) (int, error) {
	if err := q.ensureOpen(); err != nil {
		return 0, err
	}
	if olderThan < 0 {
		return 0, queueError(ErrInvalidArgument, "olderThan must be >= 0")
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	total := 0
	for {
		opCtx, cancel := q.operationContext(ctx)
		removed, err := redisPurgeScript.Run(
			opCtx, q.client,
			[]string{indexKey},
			q.jobKeyPrefix(), cutoff.UnixMilli(), defaultPurgeBatch,
		).Int()
		cancel()
		if err != nil {
			return total, errors.Join(queueError(ErrRetryable, "purge failed"), err)
		}
		total += removed
		if removed < defaultPurgeBatch {
			return total, nil
		}
	}
}

// HealthCheck verifies Redis connectivity.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	return q.client.Ping(opCtx).Err()
}

// Close closes Redis connections.
func (q *RedisQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.client.Close()
}

func (q *RedisQueue) readJob(ctx context.Context, id string) (*Job, error) {
	var (
		raw    string
		missed bool
	)
	err := q.breaker.Execute(func() error {
		opCtx, cancel := q.operationContext(ctx)
		defer cancel()
		body, getErr := q.client.Get(opCtx, q.jobKey(id)).Result()
		if errors.Is(getErr, redis.Nil) {
			missed = true
			return nil
		}
		if getErr != nil {
			return getErr
		}
		raw = body
		return nil
	})
	if err != nil {
		return nil, errors.Join(queueError(ErrRetryable, "read job failed"), err)
	}
	if missed {
		return nil, queueError(ErrNotFound, fmt.Sprintf("job %s not found", id))
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errors.Join(queueError(ErrValidation, "decode job failed"), err)
	}
	return &job, nil
}

// runScript executes one transition script behind the circuit breaker, so a
// Redis outage degrades to fast failures instead of piled-up timeouts. An
// empty reply passes through as redis.Nil without counting as a failure.
func (q *RedisQueue) runScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	var (
		reply interface{}
		empty bool
	)
	err := q.breaker.Execute(func() error {
		opCtx, cancel := q.operationContext(ctx)
		defer cancel()
		result, runErr := script.Run(opCtx, q.client, keys, args...).Result()
		if errors.Is(runErr, redis.Nil) {
			empty = true
			return nil
		}
		if runErr != nil {
			return runErr
		}
		reply = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, redis.Nil
	}
	return reply, nil
}

func scriptInt(reply interface{}) int {
	n, _ := reply.(int64)
	return int(n)
}

func (q *RedisQueue) ensureOpen() error {
	if q == nil || q.client == nil {
		return queueError(ErrNotInitialized, "redis queue is not initialized")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return queueError(ErrClosed, "redis queue is closed")
	}
	return nil
}

func (q *RedisQueue) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, q.config.OperationTimeout)
}

func validateClaim(claim *Claim) error {
	if claim == nil {
		return queueError(ErrInvalidArgument, "claim is required")
	}
	if strings.TrimSpace(claim.JobID) == "" || strings.TrimSpace(claim.Token) == "" {
		return queueError(ErrInvalidArgument, "claim job id and token are required")
	}
	return nil
}

func claimRejection(result int) error {
	if result == -1 {
		return queueError(ErrClaimExpired, "claim token mismatch")
	}
	return queueError(ErrClaimExpired, "claim not found")
}

func (q *RedisQueue) queuePrefix() string {
	return strings.TrimRight(strings.TrimSpace(q.config.Prefix), ":") + ":" + q.config.Queue
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobKeyPrefix() + id
}

func (q *RedisQueue) jobKeyPrefix() string {
	return q.queuePrefix() + ":job:"
}

func (q *RedisQueue) claimKey(id string) string {
	return q.claimKeyPrefix() + id
}

func (q *RedisQueue) claimKeyPrefix() string {
	return q.queuePrefix() + ":claim:"
}

func (q *RedisQueue) readyKey() string {
	return q.queuePrefix() + ":ready"
}

func (q *RedisQueue) delayedKey() string {
	return q.queuePrefix() + ":delayed"
}

func (q *RedisQueue) activeKey() string {
	return q.queuePrefix() + ":active"
}

func (q *RedisQueue) deadKey() string {
	return q.queuePrefix() + ":dead"
}

func (q *RedisQueue) completedKey() string {
	return q.queuePrefix() + ":completed"
}

func (q *RedisQueue) seqKey() string {
	return q.queuePrefix() + ":seq"
}
