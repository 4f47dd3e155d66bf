package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"nexora-dispatch/internal/apperrors"
	"nexora-dispatch/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// millisecond precision so every driver stores the same instant
	return &fakeClock{now: time.UnixMilli(time.Now().UnixMilli())}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		Name:        "test-" + uuid.NewString(),
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
		LeaseTTL:    time.Minute,
	}
}

func newPayload() model.JobPayload {
	return model.JobPayload{
		UserID:    uuid.New(),
		EmailID:   uuid.New(),
		Recipient: gofakeit.Email(),
		Subject:   gofakeit.HackerPhrase(),
		Body:      "<p>" + gofakeit.HackerPhrase() + "</p>",
		Credentials: model.Credentials{
			Username: gofakeit.Email(),
			Password: gofakeit.Password(true, true, true, false, false, 16),
		},
	}
}

type factory func(t *testing.T, cfg Config, clock *fakeClock) Queue

func TestMemoryQueue(t *testing.T) {
	runSuite(t, func(t *testing.T, cfg Config, clock *fakeClock) Queue {
		return NewMemory(cfg, WithClock(clock.Now))
	})
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	runSuite(t, func(t *testing.T, cfg Config, clock *fakeClock) Queue {
		return NewRedis(rdb, cfg, WithClock(clock.Now))
	})
}

func TestPostgresQueue(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}

	m, err := migrate.New("file://../../migrations", dsn)
	if err != nil {
		t.Fatalf("failed to init migrations: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	_, _ = m.Close()

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	runSuite(t, func(t *testing.T, cfg Config, clock *fakeClock) Queue {
		return NewPostgres(pool, cfg, WithClock(clock.Now))
	})
}

func runSuite(t *testing.T, newQueue factory) {
	t.Run("lease on empty queue", func(t *testing.T) {
		q := newQueue(t, testConfig(), newFakeClock())

		job, err := q.Lease(context.Background(), "w1")
		if err != nil || job != nil {
			t.Fatalf("Lease = %v, %v; want nil, nil", job, err)
		}
	})

	t.Run("invalid payload rejected", func(t *testing.T) {
		q := newQueue(t, testConfig(), newFakeClock())

		p := newPayload()
		p.Recipient = ""

		if _, err := q.Enqueue(context.Background(), p, 0); !errors.Is(err, apperrors.ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload, got %v", err)
		}
	})

	t.Run("fifo among equal visibility", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, testConfig(), newFakeClock())

		var ids []string
		for range 5 {
			id, err := q.Enqueue(ctx, newPayload(), 0)
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			ids = append(ids, id)
		}

		for i, want := range ids {
			job, err := q.Lease(ctx, "w1")
			if err != nil || job == nil {
				t.Fatalf("Lease #%d = %v, %v", i, job, err)
			}
			if job.ID != want {
				t.Fatalf("Lease #%d returned %s, want %s", i, job.ID, want)
			}
			if job.State != model.JobActive || job.LeasedBy != "w1" || job.LeaseToken == "" {
				t.Fatalf("unexpected leased job: %+v", job)
			}
		}
	})

	t.Run("initial delay hides job", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		q := newQueue(t, testConfig(), clock)

		id, err := q.Enqueue(ctx, newPayload(), 5*time.Second)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		got, err := q.Get(ctx, id)
		if err != nil || got.State != model.JobDelayed {
			t.Fatalf("Get = %+v, %v; want delayed", got, err)
		}

		if job, _ := q.Lease(ctx, "w1"); job != nil {
			t.Fatal("delayed job leased early")
		}

		clock.Advance(5 * time.Second)

		job, err := q.Lease(ctx, "w1")
		if err != nil || job == nil || job.ID != id {
			t.Fatalf("Lease after delay = %v, %v", job, err)
		}
	})

	t.Run("earlier visibility wins over enqueue order", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		q := newQueue(t, testConfig(), clock)

		late, _ := q.Enqueue(ctx, newPayload(), 2*time.Second)
		early, _ := q.Enqueue(ctx, newPayload(), time.Second)

		clock.Advance(3 * time.Second)

		first, _ := q.Lease(ctx, "w1")
		second, _ := q.Lease(ctx, "w1")
		if first == nil || second == nil || first.ID != early || second.ID != late {
			t.Fatalf("unexpected order: %v, %v", first, second)
		}
	})

	t.Run("ack completes", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, testConfig(), newFakeClock())

		id, _ := q.Enqueue(ctx, newPayload(), 0)
		job, _ := q.Lease(ctx, "w1")

		if err := q.Ack(ctx, job.ID, job.LeaseToken); err != nil {
			t.Fatalf("Ack: %v", err)
		}

		got, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != model.JobCompleted || got.Attempts != 1 || got.FinishedAt == nil {
			t.Fatalf("unexpected job after ack: %+v", got)
		}

		if err := q.Ack(ctx, job.ID, job.LeaseToken); !errors.Is(err, apperrors.ErrLeaseLost) {
			t.Fatalf("second Ack = %v, want ErrLeaseLost", err)
		}

		if next, _ := q.Lease(ctx, "w1"); next != nil {
			t.Fatal("completed job leased again")
		}
	})

	t.Run("settle unknown job", func(t *testing.T) {
		q := newQueue(t, testConfig(), newFakeClock())

		err := q.Ack(context.Background(), uuid.NewString(), "token")
		if !errors.Is(err, apperrors.ErrJobNotFound) {
			t.Fatalf("Ack = %v, want ErrJobNotFound", err)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, testConfig(), newFakeClock())

		_, _ = q.Enqueue(ctx, newPayload(), 0)
		job, _ := q.Lease(ctx, "w1")

		if _, err := q.Nack(ctx, job.ID, "stale", errors.New("boom")); !errors.Is(err, apperrors.ErrLeaseLost) {
			t.Fatalf("Nack = %v, want ErrLeaseLost", err)
		}
	})

	t.Run("nack backs off then fails", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		cfg := testConfig()
		q := newQueue(t, cfg, clock)

		id, _ := q.Enqueue(ctx, newPayload(), 0)

		var prev time.Duration
		for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
			job, err := q.Lease(ctx, "w1")
			if err != nil || job == nil {
				t.Fatalf("attempt %d: Lease = %v, %v", attempt, job, err)
			}

			leasedAt := clock.Now()
			nacked, err := q.Nack(ctx, id, job.LeaseToken, errors.New("smtp down"))
			if err != nil {
				t.Fatalf("attempt %d: Nack: %v", attempt, err)
			}

			if nacked.Attempts != attempt || nacked.LastError != "smtp down" {
				t.Fatalf("attempt %d: unexpected job %+v", attempt, nacked)
			}

			if attempt == cfg.MaxAttempts {
				if nacked.State != model.JobFailed {
					t.Fatalf("final attempt state = %s, want failed", nacked.State)
				}
				break
			}

			if nacked.State != model.JobDelayed {
				t.Fatalf("attempt %d: state = %s, want delayed", attempt, nacked.State)
			}

			delay := nacked.VisibleAt.Sub(leasedAt)
			want := cfg.BackoffBase << (attempt - 1)
			if delay != want {
				t.Fatalf("attempt %d: delay = %s, want %s", attempt, delay, want)
			}
			if delay < prev {
				t.Fatalf("attempt %d: delay decreased from %s to %s", attempt, prev, delay)
			}
			prev = delay

			if early, _ := q.Lease(ctx, "w1"); early != nil {
				t.Fatalf("attempt %d: job leased before backoff elapsed", attempt)
			}

			clock.Advance(delay)
		}

		clock.Advance(time.Hour)
		if job, _ := q.Lease(ctx, "w1"); job != nil {
			t.Fatal("failed job leased again")
		}

		got, _ := q.Get(ctx, id)
		if got.Attempts > got.MaxAttempts {
			t.Fatalf("attempts %d exceed max %d", got.Attempts, got.MaxAttempts)
		}
	})

	t.Run("fail is immediate", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, testConfig(), newFakeClock())

		id, _ := q.Enqueue(ctx, newPayload(), 0)
		job, _ := q.Lease(ctx, "w1")

		failed, err := q.Fail(ctx, id, job.LeaseToken, errors.New("550 no such user"))
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if failed.State != model.JobFailed || failed.Attempts != 1 {
			t.Fatalf("unexpected job after Fail: %+v", failed)
		}
	})

	t.Run("expired lease is reaped", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		cfg := testConfig()
		cfg.MaxAttempts = 2
		q := newQueue(t, cfg, clock)

		id, _ := q.Enqueue(ctx, newPayload(), 0)

		first, _ := q.Lease(ctx, "crashed")
		clock.Advance(cfg.LeaseTTL)

		failed, err := q.ReapExpired(ctx)
		if err != nil || len(failed) != 0 {
			t.Fatalf("ReapExpired = %v, %v; want no failures", failed, err)
		}

		if err := q.Ack(ctx, id, first.LeaseToken); !errors.Is(err, apperrors.ErrLeaseLost) {
			t.Fatalf("Ack with reaped lease = %v, want ErrLeaseLost", err)
		}

		clock.Advance(cfg.BackoffBase)

		second, err := q.Lease(ctx, "w2")
		if err != nil || second == nil || second.ID != id || second.Attempts != 1 {
			t.Fatalf("re-lease = %+v, %v", second, err)
		}

		clock.Advance(cfg.LeaseTTL)

		failed, err = q.ReapExpired(ctx)
		if err != nil || len(failed) != 1 || failed[0].ID != id {
			t.Fatalf("ReapExpired = %v, %v; want the job failed", failed, err)
		}
		if failed[0].State != model.JobFailed || failed[0].LastError != apperrors.ErrLeaseExpired.Error() {
			t.Fatalf("unexpected reaped job: %+v", failed[0])
		}
	})

	t.Run("terminal jobs drop credentials", func(t *testing.T) {
		ctx := context.Background()
		clock := newFakeClock()
		cfg := testConfig()
		cfg.MaxAttempts = 2
		q := newQueue(t, cfg, clock)

		acked, _ := q.Enqueue(ctx, newPayload(), 0)
		job, _ := q.Lease(ctx, "w1")
		if err := q.Ack(ctx, job.ID, job.LeaseToken); err != nil {
			t.Fatalf("Ack: %v", err)
		}

		failed, _ := q.Enqueue(ctx, newPayload(), 0)
		job, _ = q.Lease(ctx, "w1")
		if _, err := q.Fail(ctx, job.ID, job.LeaseToken, errors.New("535 authentication failed")); err != nil {
			t.Fatalf("Fail: %v", err)
		}

		p := newPayload()
		want := p.Credentials
		retried, _ := q.Enqueue(ctx, p, 0)
		job, _ = q.Lease(ctx, "w1")
		if _, err := q.Nack(ctx, job.ID, job.LeaseToken, errors.New("smtp down")); err != nil {
			t.Fatalf("Nack: %v", err)
		}

		got, _ := q.Get(ctx, retried)
		if got.Payload.Credentials != want {
			t.Fatalf("delayed job lost its credentials: %+v", got.Payload.Credentials)
		}

		clock.Advance(time.Hour)
		job, _ = q.Lease(ctx, "w1")
		if job == nil || job.ID != retried || job.Payload.Credentials != want {
			t.Fatalf("retry lease = %+v", job)
		}

		clock.Advance(cfg.LeaseTTL)
		reaped, err := q.ReapExpired(ctx)
		if err != nil || len(reaped) != 1 {
			t.Fatalf("ReapExpired = %v, %v; want the job failed", reaped, err)
		}

		for _, id := range []string{acked, failed, retried} {
			got, err := q.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get %s: %v", id, err)
			}
			if got.Payload.Credentials != (model.Credentials{}) {
				t.Fatalf("job %s in state %s still holds credentials", id, got.State)
			}
			if got.Payload.Recipient == "" {
				t.Fatalf("job %s lost the rest of its payload", id)
			}
		}
	})

	t.Run("concurrent lease is exclusive", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, testConfig(), newFakeClock())

		const jobs = 20
		for range jobs {
			if _, err := q.Enqueue(ctx, newPayload(), 0); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}

		var (
			mu     sync.Mutex
			leased = make(map[string]int)
			wg     sync.WaitGroup
		)

		for w := range 8 {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for {
					job, err := q.Lease(ctx, "w")
					if err != nil {
						t.Errorf("worker %d: Lease: %v", worker, err)
						return
					}
					if job == nil {
						return
					}

					mu.Lock()
					leased[job.ID]++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		if len(leased) != jobs {
			t.Fatalf("leased %d distinct jobs, want %d", len(leased), jobs)
		}
		for id, n := range leased {
			if n != 1 {
				t.Fatalf("job %s leased %d times", id, n)
			}
		}
	})

	t.Run("stats", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, testConfig(), newFakeClock())

		_, _ = q.Enqueue(ctx, newPayload(), 0)
		_, _ = q.Enqueue(ctx, newPayload(), 0)
		_, _ = q.Enqueue(ctx, newPayload(), time.Minute)

		job, _ := q.Lease(ctx, "w1")
		_ = q.Ack(ctx, job.ID, job.LeaseToken)
		_, _ = q.Lease(ctx, "w1")

		stats, err := q.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}

		want := model.QueueStats{Waiting: 0, Delayed: 1, Active: 1, Completed: 1}
		if stats != want {
			t.Fatalf("Stats = %+v, want %+v", stats, want)
		}
	})
}
