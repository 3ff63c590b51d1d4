package store

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"supertask/internal/errors"
	"supertask/internal/models"
)

// RedisStore keeps each job in a hash and indexes enabled, scheduled jobs in
// a sorted set scored by next fire time. Version checks run inside Lua
// scripts so they are atomic on the server.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewRedis builds a store on client. Keys live under "<schema>:<table>:".
func NewRedis(client *redis.Client, schema, table string, timeout time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  schema + ":" + table,
		timeout: timeout,
		now:     time.Now,
	}
}

// member is the due-index entry. NUL sorts below every other byte, so
// lexicographic order on members equals (namespace, id) order.
func member(namespace, id string) string {
	return namespace + "\x00" + id
}

func (s *RedisStore) jobKey(namespace, id string) string {
	return s.prefix + ":job:" + member(namespace, id)
}

func (s *RedisStore) dueKey() string { return s.prefix + ":due" }

func (s *RedisStore) namespaceKey(namespace string) string { return s.prefix + ":ns:" + namespace }

func (s *RedisStore) namespacesKey() string { return s.prefix + ":namespaces" }

func (s *RedisStore) execKey(namespace, id string) string {
	return s.prefix + ":exec:" + member(namespace, id)
}

var jobFields = []string{"data", "version", "next", "updated"}

func (s *RedisStore) Get(ctx context.Context, namespace, id string) (models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vals, err := s.client.HMGet(ctx, s.jobKey(namespace, id), jobFields...).Result()
	if err != nil {
		return models.Job{}, s.fail(err, "get job")
	}
	job, ok, err := decodeJob(vals)
	if err != nil {
		return models.Job{}, err
	}
	if !ok {
		return models.Job{}, notFound(namespace, id)
	}
	return job, nil
}

func (s *RedisStore) List(ctx context.Context, namespace string, filter Filter) iter.Seq2[models.Job, error] {
	return func(yield func(models.Job, error) bool) {
		ids, err := s.client.SMembers(ctx, s.namespaceKey(namespace)).Result()
		if err != nil {
			yield(models.Job{}, s.fail(err, "list job ids"))
			return
		}
		sort.Strings(ids)
		for _, id := range ids {
			job, err := s.Get(ctx, namespace, id)
			if errors.IsNotFoundError(err) {
				continue
			}
			if err != nil {
				yield(models.Job{}, err)
				return
			}
			if !filter.match(job) {
				continue
			}
			if !yield(job, nil) {
				return
			}
		}
	}
}

func (s *RedisStore) Upsert(ctx context.Context, job models.Job, expected *int64) (models.Job, error) {
	if err := validateKey(job.Namespace, job.ID); err != nil {
		return models.Job{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := fromMillis(s.now().UnixMilli())
	job = cloneJob(job)
	job.UpdatedAt = now
	job.CreatedAt = now
	created, err := s.client.HGet(ctx, s.jobKey(job.Namespace, job.ID), "created").Result()
	switch {
	case err == nil:
		if ms, perr := strconv.ParseInt(created, 10, 64); perr == nil {
			job.CreatedAt = fromMillis(ms)
		}
	case errors.Is(err, redis.Nil):
	default:
		return models.Job{}, s.fail(err, "read job")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, errors.Wrap(err, "marshal job")
	}
	want := int64(-1)
	if expected != nil {
		want = *expected
	}
	enabled := "0"
	if job.Enabled {
		enabled = "1"
	}
	next := ""
	if ms := millisPtr(job.NextFireAt); ms != nil {
		next = strconv.FormatInt(*ms, 10)
	}

	keys := []string{s.jobKey(job.Namespace, job.ID), s.dueKey(), s.namespaceKey(job.Namespace), s.namespacesKey()}
	v, err := upsertScript.Run(ctx, s.client, keys,
		want, string(data), next, enabled, member(job.Namespace, job.ID), job.ID, job.Namespace,
		now.UnixMilli(), job.CreatedAt.UnixMilli()).Int64()
	if err != nil {
		return models.Job{}, s.fail(err, "upsert job")
	}
	if v < 0 {
		have, _ := s.client.HGet(ctx, keys[0], "version").Int64()
		return models.Job{}, conflict(job.Namespace, job.ID, want, have)
	}
	job.Version = v
	return job, nil
}

func (s *RedisStore) Delete(ctx context.Context, namespace, id string, expected *int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	want := int64(-1)
	if expected != nil {
		want = *expected
	}
	keys := []string{s.jobKey(namespace, id), s.dueKey(), s.namespaceKey(namespace)}
	res, err := deleteScript.Run(ctx, s.client, keys, want, member(namespace, id), id).Int64()
	if err != nil {
		return s.fail(err, "delete job")
	}
	switch {
	case res == 0:
		return notFound(namespace, id)
	case res < 0:
		have, _ := s.client.HGet(ctx, keys[0], "version").Int64()
		return conflict(namespace, id, want, have)
	}
	return nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, namespace string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	namespaces := []string{namespace}
	if namespace == AllNamespaces {
		all, err := s.client.SMembers(ctx, s.namespacesKey()).Result()
		if err != nil {
			return 0, s.fail(err, "list namespaces")
		}
		namespaces = all
	}

	total := 0
	for _, ns := range namespaces {
		ids, err := s.client.SMembers(ctx, s.namespaceKey(ns)).Result()
		if err != nil {
			return total, s.fail(err, "list job ids")
		}
		pipe := s.client.TxPipeline()
		dels := make([]*redis.IntCmd, 0, len(ids))
		for _, id := range ids {
			dels = append(dels, pipe.Del(ctx, s.jobKey(ns, id)))
			pipe.ZRem(ctx, s.dueKey(), member(ns, id))
		}
		pipe.Del(ctx, s.namespaceKey(ns))
		if namespace == AllNamespaces {
			pipe.SRem(ctx, s.namespacesKey(), ns)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return total, s.fail(err, "delete jobs")
		}
		for _, d := range dels {
			total += int(d.Val())
		}
	}
	return total, nil
}

func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int, advance AdvanceFunc) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	candidates, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, s.fail(err, "select due jobs")
	}

	updated := fromMillis(s.now().UnixMilli())
	claims := make([]Claim, 0, len(candidates))
	for _, m := range candidates {
		key := s.prefix + ":job:" + m
		vals, err := s.client.HMGet(ctx, key, jobFields...).Result()
		if err != nil {
			return claims, s.fail(err, "read due job")
		}
		job, ok, err := decodeJob(vals)
		if err != nil {
			return claims, err
		}
		if !ok || !job.Enabled || job.NextFireAt == nil {
			continue
		}
		fired := *job.NextFireAt
		next := wholeSecond(advance(job, fired))
		nextArg := ""
		if ms := millisPtr(next); ms != nil {
			nextArg = strconv.FormatInt(*ms, 10)
		}
		v, err := claimScript.Run(ctx, s.client, []string{key, s.dueKey()},
			job.Version, nextArg, m, updated.UnixMilli()).Int64()
		if err != nil {
			return claims, s.fail(err, "advance due job")
		}
		if v <= 0 {
			continue
		}
		job.NextFireAt = next
		job.Version = v
		job.UpdatedAt = updated
		claims = append(claims, Claim{Job: job, ScheduledFor: fired})
	}
	return claims, nil
}

func (s *RedisStore) NextFireAt(ctx context.Context) (*time.Time, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	first, err := s.client.ZRangeWithScores(ctx, s.dueKey(), 0, 0).Result()
	if err != nil {
		return nil, s.fail(err, "query next fire time")
	}
	if len(first) == 0 {
		return nil, nil
	}
	t := fromMillis(int64(first[0].Score))
	return &t, nil
}

func (s *RedisStore) RecordExecution(ctx context.Context, rec models.Execution) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal execution")
	}
	err = s.client.ZAdd(ctx, s.execKey(rec.JobNamespace, rec.JobID), redis.Z{
		Score:  float64(rec.ScheduledFor.UnixMilli()),
		Member: string(data),
	}).Err()
	return s.fail(err, "record execution")
}

// FinishExecution swaps the running member for the completed one. Members sit
// at their scheduled_for score, so only that score is scanned.
func (s *RedisStore) FinishExecution(ctx context.Context, rec models.Execution) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.execKey(rec.JobNamespace, rec.JobID)
	score := strconv.FormatInt(rec.ScheduledFor.UnixMilli(), 10)
	raw, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return s.fail(err, "finish execution")
	}
	for _, member := range raw {
		var current models.Execution
		if err := json.Unmarshal([]byte(member), &current); err != nil {
			return errors.Wrap(err, "unmarshal execution")
		}
		if current.ID != rec.ID || current.Outcome != models.OutcomeRunning {
			continue
		}
		current.EndedAt = rec.EndedAt
		current.Outcome = rec.Outcome
		current.ErrorDetail = rec.ErrorDetail
		data, err := json.Marshal(current)
		if err != nil {
			return errors.Wrap(err, "marshal execution")
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, key, member)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(current.ScheduledFor.UnixMilli()), Member: string(data)})
			return nil
		})
		return s.fail(err, "finish execution")
	}
	return executionNotFound(rec.ID)
}

func (s *RedisStore) ListExecutions(ctx context.Context, namespace, id string, limit int) ([]models.Execution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.ZRevRange(ctx, s.execKey(namespace, id), 0, stop).Result()
	if err != nil {
		return nil, s.fail(err, "list executions")
	}
	out := make([]models.Execution, 0, len(raw))
	for _, r := range raw {
		var rec models.Execution
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, errors.Wrap(err, "unmarshal execution")
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// decodeJob assembles a job from HMGET values in jobFields order. Version,
// next fire time and update time live outside the JSON document because
// the claim script rewrites them.
func decodeJob(vals []any) (models.Job, bool, error) {
	if len(vals) != len(jobFields) || vals[0] == nil {
		return models.Job{}, false, nil
	}
	data, _ := vals[0].(string)
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return models.Job{}, false, errors.Wrap(err, "unmarshal job")
	}
	if v, ok := vals[1].(string); ok {
		job.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	job.NextFireAt = nil
	if v, ok := vals[2].(string); ok && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := fromMillis(ms)
			job.NextFireAt = &t
		}
	}
	if v, ok := vals[3].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			job.UpdatedAt = fromMillis(ms)
		}
	}
	return job, true, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) fail(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "redis %s", op)
	var netErr net.Error
	if errors.IsAny(err, context.DeadlineExceeded, io.EOF, redis.ErrClosed) || errors.As(err, &netErr) {
		return errors.Mark(wrapped, errors.ErrStoreUnavailable)
	}
	return wrapped
}

// upsertScript: KEYS job, due, ns set, namespaces set.
// ARGV expected (-1 = unchecked), document, next ms or "", enabled, member,
// id, namespace, updated ms, created ms. Returns the new version or -1.
var upsertScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local expected = tonumber(ARGV[1])
if expected >= 0 and cur ~= expected then
  return -1
end
local v = cur + 1
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', v, 'next', ARGV[3], 'enabled', ARGV[4], 'updated', ARGV[8], 'created', ARGV[9])
if ARGV[3] ~= '' and ARGV[4] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
else
  redis.call('ZREM', KEYS[2], ARGV[5])
end
redis.call('SADD', KEYS[3], ARGV[6])
redis.call('SADD', KEYS[4], ARGV[7])
return v
`)

// deleteScript: KEYS job, due, ns set. ARGV expected, member, id.
// Returns 1 deleted, 0 missing, -1 version mismatch.
var deleteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
  return 0
end
local expected = tonumber(ARGV[1])
if expected >= 0 and tonumber(cur) ~= expected then
  return -1
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[3])
return 1
`)

// claimScript: KEYS job, due. ARGV version read, next ms or "", member,
// updated ms. Returns the new version, or 0 when another claimer won.
var claimScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur or tonumber(cur) ~= tonumber(ARGV[1]) then
  return 0
end
local v = tonumber(cur) + 1
redis.call('HSET', KEYS[1], 'version', v, 'next', ARGV[2], 'updated', ARGV[4])
if ARGV[2] ~= '' then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
else
  redis.call('ZREM', KEYS[2], ARGV[3])
end
return v
`)
