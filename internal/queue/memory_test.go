package queue_test

import (
	"errors"
	"testing"
	"time"

	"fetchsched/internal/queue"
	"fetchsched/internal/queue/queuetest"
)

func TestMemoryBackend(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, p queue.Policy) queue.Backend {
		return queue.NewMemory(p)
	})
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()
	p := queue.Policy{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second, Jitter: -1}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{30, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempts); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()
	p := queue.Policy{RetryBase: 10 * time.Second, RetryMaxDelay: time.Hour}
	for i := 0; i < 200; i++ {
		d := p.Backoff(1)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("Backoff(1) = %v, outside +/-20%% of 10s", d)
		}
	}
}

func TestPolicyNext(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	p := queue.Policy{Jitter: -1}

	st, at := p.Next(1, 10, errors.New("timeout"), now)
	if st != queue.StatusPending || !at.Equal(now.Add(time.Second)) {
		t.Fatalf("Next(1) = %s, %v", st, at)
	}
	if st, _ := p.Next(10, 10, errors.New("timeout"), now); st != queue.StatusDead {
		t.Fatalf("Next(10) = %s, want dead", st)
	}
	if st, _ := p.Next(1, 10, queue.Permanent(errors.New("gone")), now); st != queue.StatusDead {
		t.Fatalf("Next(permanent) = %s, want dead", st)
	}
	if st, _ := p.Next(9, 0, errors.New("x"), now); st != queue.StatusPending {
		t.Fatalf("Next with default budget = %s, want pending", st)
	}
}

func TestPermanentWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("not found")
	err := queue.Permanent(base)
	if !queue.IsPermanent(err) || !errors.Is(err, base) {
		t.Fatalf("Permanent lost identity: %v", err)
	}
	if queue.Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if queue.IsPermanent(base) {
		t.Fatal("plain error reported permanent")
	}
}
