package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Schedule is the polling policy: the delay starts at Initial and grows by
// Step after every poll up to Max. A loop gives up after MaxAttempts polls or
// MaxDuration since the task was created, whichever comes first.
type Schedule struct {
	Initial     time.Duration
	Step        time.Duration
	Max         time.Duration
	MaxAttempts int
	MaxDuration time.Duration
}

// DefaultSchedule returns the default polling policy.
func DefaultSchedule() Schedule {
	return Schedule{
		Initial:     3 * time.Second,
		Step:        time.Second,
		Max:         15 * time.Second,
		MaxAttempts: 120,
		MaxDuration: 10 * time.Minute,
	}
}

// Delay returns the wait before the poll following attempts completed polls.
func (s Schedule) Delay(attempts int) time.Duration {
	d := s.Initial + time.Duration(attempts)*s.Step
	if s.Max > 0 && d > s.Max {
		d = s.Max
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Exhausted reports whether the budget is spent.
func (s Schedule) Exhausted(attempts int, since, now time.Time) bool {
	if s.MaxAttempts > 0 && attempts >= s.MaxAttempts {
		return true
	}
	return s.MaxDuration > 0 && !since.IsZero() && now.Sub(since) >= s.MaxDuration
}

// TickResult is what a poll tick reports back to its loop.
type TickResult struct {
	// Done stops the loop.
	Done bool
	// Next overrides the policy delay before the following tick when positive.
	Next time.Duration
}

// TickFunc performs one poll. It must not apply results once ctx is done.
type TickFunc func(ctx context.Context, attempt int) TickResult

// ExpireFunc is called once when a loop exhausts its budget.
type ExpireFunc func(ctx context.Context)

type pollLoop struct {
	cancel context.CancelFunc
}

// Poller runs at most one poll loop per task id.
type Poller struct {
	schedule Schedule
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	loops map[string]*pollLoop
	wg    sync.WaitGroup
}

// NewPoller creates a poller using schedule.
func NewPoller(schedule Schedule, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
		loops:    make(map[string]*pollLoop),
	}
}

// Start begins polling id. since anchors the duration budget. It returns
// false, and does nothing, when a loop for id is already active.
func (p *Poller) Start(id string, since time.Time, tick TickFunc, expire ExpireFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loops[id]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &pollLoop{cancel: cancel}
	p.loops[id] = l
	p.wg.Add(1)
	go p.run(ctx, id, l, since, tick, expire)
	return true
}

func (p *Poller) run(ctx context.Context, id string, l *pollLoop, since time.Time, tick TickFunc, expire ExpireFunc) {
	defer p.wg.Done()
	defer p.forget(id, l)
	defer l.cancel()

	timer := time.NewTimer(p.schedule.Delay(0))
	defer timer.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if p.schedule.Exhausted(attempts, since, p.now()) {
			if ctx.Err() == nil && expire != nil {
				p.logger.Info("poll budget exhausted", "task_id", id, "attempts", attempts)
				expire(ctx)
			}
			return
		}

		res := tick(ctx, attempts)
		attempts++
		if res.Done || ctx.Err() != nil {
			return
		}

		next := res.Next
		if next <= 0 {
			next = p.schedule.Delay(attempts)
		}
		timer.Reset(next)
	}
}

// forget drops l from the active set unless a newer loop replaced it.
func (p *Poller) forget(id string, l *pollLoop) {
	p.mu.Lock()
	if p.loops[id] == l {
		delete(p.loops, id)
	}
	p.mu.Unlock()
}

// Stop cancels the loop for id. A tick in flight observes the cancelled
// context and applies nothing. It reports whether a loop was active.
func (p *Poller) Stop(id string) bool {
	p.mu.Lock()
	l, ok := p.loops[id]
	delete(p.loops, id)
	p.mu.Unlock()
	if ok {
		l.cancel()
	}
	return ok
}

// StopAll cancels every loop.
func (p *Poller) StopAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[string]*pollLoop)
	p.mu.Unlock()
	for _, l := range loops {
		l.cancel()
	}
}

// Active reports whether id has a running loop.
func (p *Poller) Active(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[id]
	return ok
}

// Len returns the number of running loops.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// Wait blocks until every loop has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}
