package poller

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

type Strategy string

const (
	StrategyLongPoll  Strategy = "long_poll"
	StrategyShortPoll Strategy = "short_poll"
)

type EventType string

const (
	EventChangeSet EventType = "change_set"
	EventState     EventType = "state"
	EventError     EventType = "error"
	EventAuthError EventType = "auth_error"
)

// Event is what subscribers receive. Exactly one of ChangeSet, State, Err is
// meaningful, selected by Type.
type Event struct {
	Type      EventType
	ChangeSet *ChangeSet
	State     State
	Strategy  Strategy
	Err       error
}

type Options struct {
	EntityType string
	Scope      string

	// LongPollTimeout is the server-side hold requested per long poll.
	LongPollTimeout time.Duration
	// ShortPollInterval is the wait between requests in fallback mode.
	ShortPollInterval time.Duration
	// FailureThreshold consecutive failures switch long poll to short poll.
	FailureThreshold int
	// RecoveryInterval is the minimum wait between long-poll probes while
	// running in fallback mode.
	RecoveryInterval time.Duration

	Limit   int
	Backoff *Backoff
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.LongPollTimeout <= 0 {
		out.LongPollTimeout = 25 * time.Second
	}
	if out.ShortPollInterval <= 0 {
		out.ShortPollInterval = 3 * time.Second
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	if out.RecoveryInterval <= 0 {
		out.RecoveryInterval = 30 * time.Second
	}
	if out.Backoff == nil {
		out.Backoff = DefaultBackoff()
	}
	return out
}

// Poller drives one entity stream: it requests changes, applies them to a
// LocalStore, and publishes events. A single Run loop issues all requests, so
// strategy switches never race.
type Poller struct {
	opts      Options
	transport Transport
	store     *LocalStore
	events    chan Event

	mu       sync.Mutex
	state    State
	strategy Strategy
	visible  bool
	online   bool
	paused   bool
	// halted is set when retries are exhausted; cleared by Resume or a
	// network-restored signal, unlike a manual pause.
	halted    bool
	cancelReq context.CancelFunc
	resumeCh  chan struct{}

	failures   int
	fallbackAt time.Time
}

func New(transport Transport, opts Options) *Poller {
	return &Poller{
		opts:      opts.withDefaults(),
		transport: transport,
		store:     NewLocalStore(),
		events:    make(chan Event, 64),
		state:     StateDisconnected,
		strategy:  StrategyLongPoll,
		visible:   true,
		online:    true,
		resumeCh:  make(chan struct{}),
	}
}

func (p *Poller) Events() <-chan Event { return p.events }

func (p *Poller) Store() *LocalStore { return p.store }

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) Strategy() Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

// Suspend stops issuing requests and cancels the one in flight. The loop
// stays alive and picks up again on Resume.
func (p *Poller) Suspend() {
	p.mu.Lock()
	p.paused = true
	cancel := p.cancelReq
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Poller) Resume() {
	p.mu.Lock()
	p.paused = false
	p.halted = false
	p.failures = 0
	p.signalLocked()
	p.mu.Unlock()
}

// SetVisible feeds the tab-visibility signal. A hidden tab suspends polling
// the same way an explicit Suspend does.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	p.visible = visible
	if visible {
		p.signalLocked()
	}
	cancel := p.cancelReq
	p.mu.Unlock()
	if !visible && cancel != nil {
		cancel()
	}
}

// SetOnline feeds the network-availability signal.
func (p *Poller) SetOnline(online bool) {
	p.mu.Lock()
	p.online = online
	if online {
		// Coming back online resets the failure streak and restarts a
		// poller that parked after exhausting its retries.
		p.failures = 0
		p.halted = false
		p.signalLocked()
	}
	cancel := p.cancelReq
	p.mu.Unlock()
	if !online && cancel != nil {
		cancel()
	}
}

func (p *Poller) signalLocked() {
	close(p.resumeCh)
	p.resumeCh = make(chan struct{})
}

func (p *Poller) suspendedLocked() bool {
	return p.paused || p.halted || !p.visible || !p.online
}

// Run polls until ctx is canceled or the token is rejected. A 401 returns
// ErrUnauthorized; cancellation returns nil.
func (p *Poller) Run(ctx context.Context) error {
	p.setState(StateConnecting)
	defer func() {
		// A terminal failure leaves the poller in the error state; only a
		// clean shutdown reads as disconnected.
		if p.State() != StateError {
			p.setState(StateDisconnected)
		}
	}()

	for {
		if err := p.awaitActive(ctx); err != nil {
			return nil
		}

		strategy := p.pickStrategy()
		cs, err := p.request(ctx, strategy)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				// In-flight request canceled by Suspend/SetVisible; not a
				// transport failure.
				continue
			}
			if !ShouldRetry(err) {
				if errors.Is(err, ErrUnauthorized) {
					p.emit(Event{Type: EventAuthError, Err: err})
				} else {
					p.emit(Event{Type: EventError, Err: err})
				}
				p.setState(StateError)
				return err
			}
			if retryErr := p.retryDelay(ctx, err); retryErr != nil {
				return nil
			}
			continue
		}

		p.noteSuccess(strategy)
		if p.store.Apply(cs) && (len(cs.Data) > 0 || len(cs.Removed) > 0 || cs.SyncType == SyncFull) {
			p.emit(Event{Type: EventChangeSet, ChangeSet: cs})
		}
		if cs.HasMore {
			// Drain the remaining pages before waiting again.
			continue
		}
		if strategy == StrategyShortPoll {
			if err := sleep(ctx, p.opts.ShortPollInterval); err != nil {
				return nil
			}
		}
	}
}

// pickStrategy returns the strategy for the next request. While fallen back
// to short polling it schedules a long-poll probe at most once per
// RecoveryInterval; a successful probe switches back.
func (p *Poller) pickStrategy() Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.strategy == StrategyShortPoll && time.Since(p.fallbackAt) >= p.opts.RecoveryInterval {
		p.fallbackAt = time.Now()
		return StrategyLongPoll
	}
	return p.strategy
}

func (p *Poller) request(ctx context.Context, strategy Strategy) (*ChangeSet, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelReq = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.cancelReq = nil
		p.mu.Unlock()
	}()

	req := PollRequest{
		EntityType: p.opts.EntityType,
		Since:      p.store.Version(),
		Scope:      p.opts.Scope,
		Limit:      p.opts.Limit,
	}
	if strategy == StrategyLongPoll {
		req.Timeout = p.opts.LongPollTimeout
		return p.transport.Poll(reqCtx, req)
	}
	return p.transport.Fetch(reqCtx, req)
}

func (p *Poller) noteSuccess(used Strategy) {
	p.mu.Lock()
	p.failures = 0
	if used == StrategyLongPoll && p.strategy == StrategyShortPoll {
		// Recovery probe succeeded; long polling is viable again.
		p.strategy = StrategyLongPoll
	}
	state := p.state
	p.mu.Unlock()
	if state != StateConnected {
		p.setState(StateConnected)
	}
}

// retryDelay records a failure, falls back after the threshold, and sleeps
// the backoff delay. When the backoff is exhausted the poller parks in the
// error state until an external Resume or network signal wakes it.
func (p *Poller) retryDelay(ctx context.Context, cause error) error {
	p.mu.Lock()
	p.failures++
	attempt := p.failures
	if p.strategy == StrategyLongPoll && attempt >= p.opts.FailureThreshold {
		p.strategy = StrategyShortPoll
		p.fallbackAt = time.Now()
	}
	backoff := p.opts.Backoff
	p.mu.Unlock()

	p.emit(Event{Type: EventError, Err: cause})
	if backoff.Exhausted(attempt) {
		p.mu.Lock()
		p.halted = true
		p.mu.Unlock()
		p.setState(StateError)
		if err := p.awaitActive(ctx); err != nil {
			return err
		}
		p.mu.Lock()
		p.failures = 0
		p.mu.Unlock()
		p.setState(StateConnecting)
		return nil
	}
	p.setState(StateReconnecting)
	return sleep(ctx, backoff.NextDelay(attempt))
}

func (p *Poller) awaitActive(ctx context.Context) error {
	for {
		p.mu.Lock()
		if !p.suspendedLocked() {
			p.mu.Unlock()
			return nil
		}
		wake := p.resumeCh
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	strategy := p.strategy
	p.mu.Unlock()
	p.emit(Event{Type: EventState, State: s, Strategy: strategy})
}

// emit never blocks the run loop; slow subscribers lose events rather than
// stall polling.
func (p *Poller) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
