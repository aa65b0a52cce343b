package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"pesabridge/internal/api"
	"pesabridge/internal/metrics"
)

const (
	DefaultInterval = 3500 * time.Millisecond
	DefaultTimeout  = 120 * time.Second
)

// Fetcher is the one status-fetch primitive. Polling and manual refresh go
// through the same method so displayed state stays consistent.
type Fetcher interface {
	GetTransaction(ctx context.Context, transactionID string) (*api.Transaction, error)
}

// Options tunes one polling session. Zero values take the defaults.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Poller drives status polling sessions. It keeps one authoritative session
// per transaction id; a second Watch for the same id joins the running
// session instead of starting a duplicate fetch loop.
type Poller struct {
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(fetcher Fetcher, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		fetcher:  fetcher,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Session is the caller-owned handle for one polling loop. Cancel stops the
// loop at its next check; the in-flight fetch, if any, still completes.
type Session struct {
	transactionID string
	done          chan struct{}
	cancelOnce    sync.Once
	cancelled     chan struct{}

	mu   sync.Mutex
	last *api.Transaction
	err  error
}

func (s *Session) TransactionID() string { return s.transactionID }

// Done closes when the session has finished for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel signals the loop to stop. Safe to call more than once and after
// the session has finished. Cancellation is not an error: Result still
// returns the last observed transaction.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

// Result returns the last observed transaction once Done is closed. The
// error is non-nil only when no fetch ever succeeded.
func (s *Session) Result() (*api.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.err
}

func (s *Session) record(tx *api.Transaction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx != nil {
		s.last = tx
		s.err = nil
		return
	}
	if s.last == nil && err != nil {
		s.err = err
	}
}

// Watch starts (or joins) a polling session for the transaction. onUpdate is
// invoked on every successful fetch, not only on change, so callers can
// render intermediate progress. Joining an existing session returns the
// running handle; the new onUpdate is not attached.
func (p *Poller) Watch(ctx context.Context, transactionID string, opts Options, onUpdate func(*api.Transaction)) (*Session, error) {
	if transactionID == "" {
		return nil, errors.New("transaction id is required")
	}

	p.mu.Lock()
	if existing, ok := p.sessions[transactionID]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	session := &Session{
		transactionID: transactionID,
		done:          make(chan struct{}),
		cancelled:     make(chan struct{}),
	}
	p.sessions[transactionID] = session
	p.mu.Unlock()

	p.metrics.PollSessionStarted()
	go p.run(ctx, session, opts.withDefaults(), onUpdate)
	return session, nil
}

// Poll is the blocking form: it watches the transaction and returns once a
// terminal status is observed or the timeout elapses. A timeout is not an
// error; the last observed (non-terminal) transaction is returned so the
// caller can fall back to manual refresh.
func (p *Poller) Poll(ctx context.Context, transactionID string, opts Options, onUpdate func(*api.Transaction)) (*api.Transaction, error) {
	session, err := p.Watch(ctx, transactionID, opts, onUpdate)
	if err != nil {
		return nil, err
	}
	select {
	case <-session.Done():
	case <-ctx.Done():
		session.Cancel()
		<-session.Done()
	}
	return session.Result()
}

// Cancel stops the running session for the transaction id, if any.
func (p *Poller) Cancel(transactionID string) {
	p.mu.Lock()
	session, ok := p.sessions[transactionID]
	p.mu.Unlock()
	if ok {
		session.Cancel()
	}
}

func (p *Poller) run(ctx context.Context, session *Session, opts Options, onUpdate func(*api.Transaction)) {
	defer func() {
		p.mu.Lock()
		delete(p.sessions, session.transactionID)
		p.mu.Unlock()
		p.metrics.PollSessionEnded()
		close(session.done)
	}()

	deadline := time.Now().Add(opts.Timeout)
	timer := time.NewTimer(0) // first fetch immediately
	defer timer.Stop()

	for {
		select {
		case <-session.cancelled:
			p.logger.DebugContext(ctx, "poll cancelled", "transaction_id", session.transactionID)
			return
		case <-ctx.Done():
			session.record(nil, ctx.Err())
			return
		case <-timer.C:
		}

		p.metrics.IncPollTick()
		tx, err := p.fetcher.GetTransaction(ctx, session.transactionID)
		if err != nil {
			// Transient fetch failures do not stop the loop; the next
			// tick retries.
			p.logger.WarnContext(ctx, "poll fetch failed",
				"transaction_id", session.transactionID, "error", err)
			session.record(nil, err)
		} else {
			session.record(tx, nil)
			if onUpdate != nil {
				onUpdate(tx)
			}
			if tx.Status.Terminal() {
				p.logger.DebugContext(ctx, "poll reached terminal status",
					"transaction_id", session.transactionID, "status", tx.Status)
				return
			}
		}

		if time.Now().Add(opts.Interval).After(deadline) {
			p.logger.DebugContext(ctx, "poll timed out before terminal status",
				"transaction_id", session.transactionID)
			return
		}
		timer.Reset(opts.Interval)
	}
}
