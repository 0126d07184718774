package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/weather"
)

// Identity keys a session: one provider account.
type Identity struct {
	Provider string
	Username string
}

func (id Identity) String() string {
	if id.Username == "" {
		return id.Provider
	}
	return id.Provider + ":" + id.Username
}

type slot struct {
	// sem has capacity one; holding it is holding the identity.
	sem  chan struct{}
	sess *Session
}

// Pool hands out exclusive leases on one Session per Identity.
type Pool struct {
	factory Factory
	cfg     Config
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	slots map[Identity]*slot
}

// NewPool creates a pool that starts browsers through factory.
func NewPool(factory Factory, cfg Config, logger *zap.SugaredLogger) *Pool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pool{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		slots:   make(map[Identity]*slot),
	}
}

func (p *Pool) slot(id Identity) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	sl, ok := p.slots[id]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		p.slots[id] = sl
	}
	return sl
}

// Lease is exclusive use of a Session until Release.
type Lease struct {
	Session *Session

	identity Identity
	slot     *slot
	once     sync.Once
}

// Identity is the account this lease holds.
func (l *Lease) Identity() Identity { return l.identity }

// Acquire blocks until the identity's session is free or ctx is done. A session that
// failed earlier is replaced by a fresh browser.
func (p *Pool) Acquire(ctx context.Context, provider weather.Provider, id Identity) (*Lease, error) {
	sl := p.slot(id)

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for session %s: %w", id, ctx.Err())
	}

	if sl.sess == nil || !sl.sess.Usable() {
		browser, err := p.factory.NewBrowser(ctx, provider)
		if err != nil {
			<-sl.sem
			return nil, &SessionError{Op: "start", State: StateLoggedOut, Err: err}
		}
		sl.sess = New(provider, browser, p.cfg, p.logger.Named("session"))
		p.logger.Debugw("started browser", "identity", id.String())
	}
	sl.sess.rearm()

	return &Lease{Session: sl.sess, identity: id, slot: sl}, nil
}

// Release returns the session to the pool. A session that ended in Failed is
// discarded. Release is idempotent.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		l.Session.Observe(nil)
		if !l.Session.Usable() || !l.Session.idle() {
			err = l.Session.Close()
			l.slot.sess = nil
		}
		<-l.slot.sem
	})
	return err
}

// Close tears down every idle session. Sessions currently leased are left to their holders.
func (p *Pool) Close() error {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, sl := range p.slots {
		slots = append(slots, sl)
	}
	p.mu.Unlock()

	var result *multierror.Error
	for _, sl := range slots {
		select {
		case sl.sem <- struct{}{}:
		default:
			continue
		}
		if sl.sess != nil {
			if err := sl.sess.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			sl.sess = nil
		}
		<-sl.sem
	}
	return result.ErrorOrNil()
}
