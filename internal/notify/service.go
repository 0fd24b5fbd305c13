// Package notify turns job failures that need a human into operator messages.
//
// The service subscribes to the event bus and reacts to job.dead,
// job.reschedule_failed and pool.failed. Messages are rate limited,
// deduplicated over a short window and fanned out to the configured sinks.
// Delivery is best-effort: a failing sink is logged and never blocks the pool.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fetchsched/internal/eventbus"
	rtsup "fetchsched/internal/runtime/supervisor"
	logx "fetchsched/pkg/logx"
)

var ErrDisabled = errors.New("notify disabled")

const (
	sendTimeout = 10 * time.Second
	historySize = 100
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	sinks   []Sink

	sup   *rtsup.Supervisor
	unsub func()

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notify")),
		bus:   bus,
		dedup: map[uint64]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps config and rebuilds sinks. A Telegram sink that cannot be built
// is logged and left out; the log sink stays.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	sinks := []Sink{NewLogSink(s.log)}
	if cfg.Telegram.Enabled {
		tg, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			s.log.Warn("notify.telegram_disabled", logx.Err(err))
		} else {
			sinks = append(sinks, tg)
		}
	}

	s.mu.Lock()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.Burst)
	}
	s.sinks = sinks
	s.mu.Unlock()
}

// SetSinks replaces the sink list.
func (s *Service) SetSinks(sinks ...Sink) {
	s.mu.Lock()
	s.sinks = append([]Sink(nil), sinks...)
	s.mu.Unlock()
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("notify.loop", func(c context.Context) error {
		if s.loop(c, events) {
			return context.Canceled
		}
		return c.Err()
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("notify started")
}

// Stop unsubscribes and waits for the loop until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("notify stop timed out")
	}
	sup.Cancel()
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// loop returns true when the subscription was closed.
func (s *Service) loop(ctx context.Context, events <-chan eventbus.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-events:
			if !ok {
				return true
			}
			m, ok := Format(e)
			if !ok {
				continue
			}
			_ = s.Notify(ctx, m)
		}
	}
}

// Notify delivers m to every sink. Duplicates inside DedupWindow are dropped.
func (s *Service) Notify(ctx context.Context, m Message) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sinks := s.sinks
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if m.At.IsZero() {
		m.At = time.Now()
	}
	if cfg.DedupWindow > 0 && !s.allow(m, cfg.DedupWindow) {
		s.log.Debug("notify.deduped", logx.String("event", m.Event))
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	item := HistoryItem{At: m.At, Event: m.Event, Text: m.Text}
	var errs []error
	for _, sink := range sinks {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sink.Send(sctx, m)
		cancel()
		if err != nil {
			s.log.Warn("notify.send_failed", logx.String("sink", sink.Name()), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		item.Sinks = append(item.Sinks, sink.Name())
	}
	err := errors.Join(errs...)
	if err != nil {
		item.Error = err.Error()
	}
	s.appendHistory(item)
	return err
}

func (s *Service) allow(m Message, window time.Duration) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Event))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(m.Text))
	key := h.Sum64()
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// Format renders the events operators care about. Other events return false.
func Format(e eventbus.Event) (Message, bool) {
	m := Message{Event: e.Type, At: e.Time}
	switch e.Type {
	case eventbus.JobDead:
		je, _ := e.Data.(eventbus.JobEvent)
		m.Text = fmt.Sprintf("fetch %d: job %s is dead after %d attempts: %s", je.FetchID, je.JobID, je.Attempts, oneLine(je.Error))
	case eventbus.JobRescheduleFailed:
		je, _ := e.Data.(eventbus.JobEvent)
		m.Text = fmt.Sprintf("fetch %d: job %s ran but the next run was not scheduled: %s", je.FetchID, je.JobID, oneLine(je.Error))
	case eventbus.PoolFailed:
		m.Text = fmt.Sprintf("worker pool failed: %v", e.Data)
	default:
		return Message{}, false
	}
	return m, true
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
