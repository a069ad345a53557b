// Package scheduler provides a durable, redis-backed job scheduler. Job
// definitions are persisted so that pending jobs survive process restarts;
// handlers are registered by kind because closures cannot be persisted.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const (
	keyDue      = "jobs:due"      // sorted set: member = job id, score = unix run time
	keyInflight = "jobs:inflight" // sorted set: member = job id, score = claim time
	keyDefs     = "jobs:def:"     // string per job: JSON definition
)

// Trigger selects when (and how often) a job fires.
type Trigger string

const (
	// TriggerDate fires once at a specific time.
	TriggerDate Trigger = "date"
	// TriggerInterval fires repeatedly with a fixed gap.
	TriggerInterval Trigger = "interval"
	// TriggerCron fires on a cron schedule.
	TriggerCron Trigger = "cron"
)

// Job is a persisted unit of deferred work. All run times are UTC.
type Job struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Trigger  Trigger         `json:"trigger"`
	RunAt    time.Time       `json:"run_at"`
	Interval time.Duration   `json:"interval,omitempty"`
	CronSpec string          `json:"cron_spec,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	// ReplaceExisting replaces any stored definition with the same ID.
	ReplaceExisting bool      `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// HandlerFunc executes one job occurrence. A returned error is logged; the
// occurrence is not retried in-process.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

// Options tunes the execution policy.
type Options struct {
	// PollInterval is how often the due set is drained. Default 1s.
	PollInterval time.Duration
	// MisfireGrace is how far past its run time a job may still fire.
	// Beyond it the occurrence is treated as missed. Default 60s.
	MisfireGrace time.Duration
	// MaxInstances caps concurrent executions sharing one job id. Default 3.
	MaxInstances int
}

// ErrJobExists is returned by AddJob when ReplaceExisting is false and a
// definition with the same id is already stored.
var ErrJobExists = errors.New("job already exists")

// claimScript moves a due occurrence into the inflight set in one atomic
// step. A job is always in exactly one of the two sets, even across a crash,
// and a concurrent poller loses the race cleanly.
var claimScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// Scheduler coordinates persistence and execution of deferred jobs.
type Scheduler struct {
	client *redis.Client
	opts   Options
	parser cron.Parser

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	running  map[string]int

	done chan struct{}
	wg   sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a scheduler over an existing redis client.
func New(client *redis.Client, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MisfireGrace <= 0 {
		opts.MisfireGrace = 60 * time.Second
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 3
	}
	return &Scheduler{
		client:   client,
		opts:     opts,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		handlers: make(map[string]HandlerFunc),
		running:  make(map[string]int),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Connect parses a redis URL and returns a ready client.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Register binds a handler to a job kind. Jobs of an unregistered kind stay
// queued until a handler appears.
func (s *Scheduler) Register(kind string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// AddJob validates and persists a job, then arms its first occurrence.
// A scheduling failure is logged and returned to the caller.
func (s *Scheduler) AddJob(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Kind == "" {
		return "", fmt.Errorf("job kind is required")
	}
	if job.Trigger == "" {
		job.Trigger = TriggerDate
	}
	now := s.now().UTC()
	job.CreatedAt = now

	var next time.Time
	switch job.Trigger {
	case TriggerDate:
		// Absent or past run times fire immediately.
		if job.RunAt.IsZero() || job.RunAt.Before(now) {
			job.RunAt = now
		}
		next = job.RunAt.UTC()
	case TriggerInterval:
		if job.Interval <= 0 {
			return "", fmt.Errorf("interval trigger requires a positive interval")
		}
		next = now.Add(job.Interval)
	case TriggerCron:
		schedule, err := s.parser.Parse(job.CronSpec)
		if err != nil {
			return "", fmt.Errorf("parse cron spec %q: %w", job.CronSpec, err)
		}
		next = schedule.Next(now).UTC()
	default:
		return "", fmt.Errorf("unknown trigger %q", job.Trigger)
	}
	job.RunAt = next

	if !job.ReplaceExisting {
		exists, err := s.client.Exists(ctx, keyDefs+job.ID).Result()
		if err != nil {
			log.Printf("scheduler: failed to schedule job %s: %v", job.ID, err)
			return "", fmt.Errorf("check existing job: %w", err)
		}
		if exists > 0 {
			return "", ErrJobExists
		}
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyDefs+job.ID, payload, 0)
	pipe.ZAdd(ctx, keyDue, redis.Z{Score: float64(next.Unix()), Member: job.ID})
	pipe.ZRem(ctx, keyInflight, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("scheduler: failed to schedule job %s: %v", job.ID, err)
		return "", fmt.Errorf("persist job: %w", err)
	}

	log.Printf("scheduler: job %s (%s) scheduled for %s", job.ID, job.Kind, next.Format(time.RFC3339))
	return job.ID, nil
}

// RemoveJob deletes a job definition and disarms its pending occurrence.
func (s *Scheduler) RemoveJob(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, keyDue, jobID)
	pipe.ZRem(ctx, keyInflight, jobID)
	pipe.Del(ctx, keyDefs+jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

// Start recovers abandoned in-flight jobs and begins the poll loop on a
// background goroutine. Request handlers never block on job execution.
func (s *Scheduler) Start(ctx context.Context) {
	if err := s.requeueInflight(ctx); err != nil {
		log.Printf("scheduler: inflight recovery failed: %v", err)
	}
	if err := s.recoverOrphans(ctx); err != nil {
		log.Printf("scheduler: orphan recovery failed: %v", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for in-flight handlers to return.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

// requeueInflight re-arms jobs claimed by a previous process that never
// finished, preserving at-least-once execution across restarts.
func (s *Scheduler) requeueInflight(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, keyInflight, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list inflight jobs: %w", err)
	}
	now := s.now().UTC()
	for _, id := range ids {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, keyInflight, id)
		pipe.ZAdd(ctx, keyDue, redis.Z{Score: float64(now.Unix()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue job %s: %w", id, err)
		}
		log.Printf("scheduler: requeued abandoned job %s", id)
	}
	return nil
}

// recoverOrphans re-arms definitions that sit in neither sorted set, left
// behind by an older process that died between the claim's two writes.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	now := s.now().UTC()
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyDefs+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan job definitions: %w", err)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, keyDefs)
			if err := s.client.ZScore(ctx, keyDue, id).Err(); err == nil {
				continue
			} else if !errors.Is(err, redis.Nil) {
				return fmt.Errorf("check due set for job %s: %w", id, err)
			}
			if err := s.client.ZScore(ctx, keyInflight, id).Err(); err == nil {
				continue
			} else if !errors.Is(err, redis.Nil) {
				return fmt.Errorf("check inflight set for job %s: %w", id, err)
			}
			if err := s.client.ZAdd(ctx, keyDue, redis.Z{Score: float64(now.Unix()), Member: id}).Err(); err != nil {
				return fmt.Errorf("re-arm orphaned job %s: %w", id, err)
			}
			log.Printf("scheduler: re-armed orphaned job %s", id)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// runDue drains every due occurrence once. Called from the poll loop, and
// directly by tests.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now().UTC()
	ids, err := s.client.ZRangeByScore(ctx, keyDue, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		log.Printf("scheduler: poll failed: %v", err)
		return
	}

	for _, id := range ids {
		s.dispatch(ctx, id, now)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, jobID string, now time.Time) {
	raw, err := s.client.Get(ctx, keyDefs+jobID).Result()
	if errors.Is(err, redis.Nil) {
		// Definition gone (removed between arming and firing): disarm.
		s.client.ZRem(ctx, keyDue, jobID)
		return
	}
	if err != nil {
		log.Printf("scheduler: load job %s: %v", jobID, err)
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Printf("scheduler: corrupt job %s, dropping: %v", jobID, err)
		s.client.ZRem(ctx, keyDue, jobID)
		s.client.Del(ctx, keyDefs+jobID)
		return
	}

	s.mu.Lock()
	handler, registered := s.handlers[job.Kind]
	atCapacity := s.running[jobID] >= s.opts.MaxInstances
	s.mu.Unlock()

	// No handler yet: leave the occurrence armed for a later tick.
	if !registered {
		return
	}

	// Missed the misfire window entirely: the occurrence is skipped,
	// not merged with the next one (coalescing is off).
	if now.Sub(job.RunAt) > s.opts.MisfireGrace {
		log.Printf("scheduler: job %s (%s) missed its window by %s, skipping", jobID, job.Kind, now.Sub(job.RunAt))
		s.client.ZRem(ctx, keyDue, jobID)
		s.rearmOrForget(ctx, job, now)
		return
	}

	// Too many live executions for this id: retry on the next tick.
	if atCapacity {
		return
	}

	claimed, err := claimScript.Run(ctx, s.client, []string{keyDue, keyInflight}, jobID, now.Unix()).Int()
	if err != nil || claimed == 0 {
		return
	}

	// Recurring triggers are re-armed before execution so a slow handler
	// cannot stall the schedule.
	s.rearmNext(ctx, job, now)

	s.mu.Lock()
	s.running[jobID]++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.running[jobID]--
			if s.running[jobID] <= 0 {
				delete(s.running, jobID)
			}
			s.mu.Unlock()

			s.client.ZRem(ctx, keyInflight, jobID)
			if job.Trigger == TriggerDate {
				s.client.Del(ctx, keyDefs+jobID)
			}
		}()

		if err := handler(ctx, job.Args); err != nil {
			log.Printf("scheduler: job %s (%s) failed: %v", jobID, job.Kind, err)
		}
	}()
}

// rearmOrForget is the misfire path: recurring jobs get their next
// occurrence, one-shot jobs are forgotten.
func (s *Scheduler) rearmOrForget(ctx context.Context, job Job, now time.Time) {
	if job.Trigger == TriggerDate {
		s.client.Del(ctx, keyDefs+job.ID)
		return
	}
	s.rearmNext(ctx, job, now)
}

func (s *Scheduler) rearmNext(ctx context.Context, job Job, now time.Time) {
	var next time.Time
	switch job.Trigger {
	case TriggerInterval:
		next = now.Add(job.Interval)
	case TriggerCron:
		schedule, err := s.parser.Parse(job.CronSpec)
		if err != nil {
			log.Printf("scheduler: job %s has unparseable cron spec, dropping: %v", job.ID, err)
			s.client.Del(ctx, keyDefs+job.ID)
			return
		}
		next = schedule.Next(now).UTC()
	default:
		return
	}

	job.RunAt = next
	payload, err := json.Marshal(job)
	if err != nil {
		log.Printf("scheduler: re-arm job %s: %v", job.ID, err)
		return
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyDefs+job.ID, payload, 0)
	pipe.ZAdd(ctx, keyDue, redis.Z{Score: float64(next.Unix()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("scheduler: re-arm job %s: %v", job.ID, err)
	}
}

// PendingCount reports how many occurrences are currently armed.
func (s *Scheduler) PendingCount(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, keyDue).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return count, nil
}

// Ping checks if the backing redis is reachable.
func (s *Scheduler) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
