package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

var (
	ErrEmptyMessage = errors.New("broadcast message is empty")
	// ErrNoRecipients is returned when the recipient list is empty after
	// dedup and truncation; the transport is never contacted.
	ErrNoRecipients = errors.New("no eligible recipients")
	ErrQueueFull    = errors.New("broadcast queue is full")
	ErrNotRunning   = errors.New("dispatcher is not running")
	ErrUnknownJob   = errors.New("unknown job")
)

func New(cfg Config, tr transport.Transport, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &Service{
		cfg:    cfg,
		tr:     tr,
		bus:    bus,
		log:    log,
		queue:  make(chan job, cfg.QueueSize),
		status: map[string]*JobStatus{},
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.wait = waitTimer
	s.jitter = func(min, max time.Duration) time.Duration {
		if max <= min {
			return min
		}
		return min + time.Duration(rng.Int63n(int64(max-min)))
	}
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = defaultMaxTotal
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MessageDelayMin <= 0 {
		cfg.MessageDelayMin = defaultMessageDelayMin
	}
	if cfg.MessageDelayMax < cfg.MessageDelayMin {
		cfg.MessageDelayMax = defaultMessageDelayMax
		if cfg.MessageDelayMax < cfg.MessageDelayMin {
			cfg.MessageDelayMax = cfg.MessageDelayMin
		}
	}
	if cfg.BatchDelayStep <= 0 {
		cfg.BatchDelayStep = defaultBatchDelayStep
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.StatusMax <= 0 {
		cfg.StatusMax = defaultStatusMax
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates the dispatcher defaults. Jobs already queued keep the
// limits resolved at submission time.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = withDefaults(cfg)
	if s.cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
	} else {
		s.limiter = nil
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	runCtx := s.runCtx
	queue := s.queue

	// A single worker: jobs run one at a time, recipients strictly in order.
	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.worker(runCtx, queue)
	}()

	s.log.Info("dispatcher started",
		logx.Int("max_total", s.cfg.MaxTotal),
		logx.Int("batch_size", s.cfg.BatchSize))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.runCancel
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

// Submit validates a request and enqueues it. Validation failures are
// synchronous and descriptive; nothing reaches the transport.
func (s *Service) Submit(req Request) (string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	s.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	limits := s.resolveLimits(cfg, req)
	recipients := eligibleRecipients(req.Recipients, limits.MaxTotal)
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	id := uuid.NewString()
	batches := (len(recipients) + limits.BatchSize - 1) / limits.BatchSize

	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Total: len(recipients), Batches: batches}
	s.statusMu.Unlock()

	j := job{
		id:         id,
		recipients: recipients,
		message:    req.Message,
		limits:     limits,
		onProgress: req.OnProgress,
	}
	select {
	case s.queue <- j:
	default:
		s.statusMu.Lock()
		delete(s.status, id)
		s.statusMu.Unlock()
		return "", ErrQueueFull
	}

	s.log.Info("broadcast job queued",
		logx.String("job", id),
		logx.Int("recipients", len(recipients)),
		logx.Int("batches", batches))
	return id, nil
}

func (s *Service) resolveLimits(cfg Config, req Request) Limits {
	l := Limits{
		MaxTotal:        cfg.MaxTotal,
		BatchSize:       cfg.BatchSize,
		MessageDelayMin: cfg.MessageDelayMin,
		MessageDelayMax: cfg.MessageDelayMax,
	}
	if req.MaxTotal > 0 {
		l.MaxTotal = req.MaxTotal
	}
	if req.BatchSize > 0 {
		l.BatchSize = req.BatchSize
	}
	step := cfg.BatchDelayStep
	// Escalating backoff: 2 steps after the first batch, then 3, 4, ...
	l.BatchDelay = func(b int) time.Duration {
		return time.Duration(b+2) * step
	}
	return l
}

// eligibleRecipients dedups (order-preserving), drops blanks, and truncates
// to the stable prefix of maxTotal ids.
func eligibleRecipients(ids []string, maxTotal int) []string {
	trimmed := lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	})
	uniq := lo.Uniq(trimmed)
	if maxTotal > 0 && len(uniq) > maxTotal {
		uniq = uniq[:maxTotal]
	}
	return uniq
}

// Status returns a snapshot of a job's counters.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := *st
	cp.cancel = nil
	return cp, true
}

// Jobs lists all known job snapshots.
func (s *Service) Jobs() []JobStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		cp := *st
		cp.cancel = nil
		out = append(out, cp)
	}
	return out
}

// Cancel aborts a running job at its next suspension point.
// Queued jobs are canceled before their first send.
func (s *Service) Cancel(id string) error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st, ok := s.status[id]
	if !ok {
		return ErrUnknownJob
	}
	st.Canceled = true
	if st.cancel != nil {
		st.cancel()
	}
	return nil
}

func (s *Service) publish(p Progress) {
	if s.bus == nil {
		return
	}
	typ := eventbus.TypeBroadcastProgress
	if p.Final {
		typ = eventbus.TypeBroadcastDone
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: p})
}

func (s *Service) sendOne(ctx context.Context, recipient, message string) error {
	s.mu.Lock()
	lim := s.limiter
	tr := s.tr
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return tr.Send(ctx, recipient, transport.SendPayload{Text: message})
}

func waitTimer(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
