package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/weather"
)

// Config bounds the waits a session performs.
type Config struct {
	LoginWait    time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LoginWait <= 0 {
		c.LoginWait = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Observer is called after every state change.
type Observer func(from, to State)

// Session drives one Browser through login, navigation, export and download.
// A Session is used by one job at a time; the Pool enforces that.
type Session struct {
	provider weather.Provider
	browser  Browser
	cfg      Config
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	observer Observer
	closed   bool
}

// New wraps browser in a session in the LoggedOut state.
func New(provider weather.Provider, browser Browser, cfg Config, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{
		provider: provider,
		browser:  browser,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("provider", provider.ID),
		state:    StateLoggedOut,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Observe installs fn as the transition observer; nil removes it.
func (s *Session) Observe(fn Observer) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Usable reports whether the session can serve another job.
func (s *Session) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.state != StateFailed
}

// idle reports whether the session sits between jobs.
func (s *Session) idle() bool {
	switch s.State() {
	case StateLoggedOut, StateLoggedIn, StateDownloadComplete:
		return true
	}
	return false
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	observer := s.observer
	s.mu.Unlock()

	s.logger.Debugw("session transition", "from", from.String(), "to", to.String())
	if observer != nil {
		observer(from, to)
	}
}

// fail moves to Failed, tears the browser down and returns err.
func (s *Session) fail(err error) error {
	s.transition(StateFailed)
	if closeErr := s.Close(); closeErr != nil {
		s.logger.Warnw("browser teardown failed", "error", closeErr)
	}
	return err
}

func (s *Session) invalid(op string, want State) error {
	state := s.State()
	return s.fail(&SessionError{
		Op:    op,
		State: state,
		Err:   fmt.Errorf("%w: expected %s", ErrInvalidTransition, want),
	})
}

func (s *Session) cancelled(ctx context.Context, op string) error {
	return s.fail(fmt.Errorf("%s interrupted in state %s: %w", op, s.State(), ctx.Err()))
}

// rearm makes a session that finished a download ready for the next job.
func (s *Session) rearm() {
	if s.State() == StateDownloadComplete {
		s.transition(StateLoggedIn)
	}
}

// Login authenticates unless the session is already logged in. A rejected login
// returns the session to LoggedOut.
func (s *Session) Login(ctx context.Context, creds weather.Credentials) error {
	switch s.State() {
	case StateLoggedIn:
		return nil
	case StateLoggedOut:
	default:
		return s.invalid("login", StateLoggedOut)
	}
	if ctx.Err() != nil {
		return s.cancelled(ctx, "login")
	}

	s.transition(StateLoggingIn)

	loginCtx, cancel := context.WithTimeout(ctx, s.cfg.LoginWait)
	defer cancel()

	err := s.browser.Login(loginCtx, creds)
	switch {
	case err == nil:
		s.transition(StateLoggedIn)
		return nil
	case ctx.Err() != nil:
		return s.cancelled(ctx, "login")
	case errors.Is(err, ErrUnexpectedLayout):
		return s.fail(&SessionError{Op: "login", State: StateLoggingIn, Err: err})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("post-login page not observed within %s: %w", s.cfg.LoginWait, err)
	}
	s.transition(StateLoggedOut)
	return &AuthenticationError{Provider: s.provider.ID, Err: err}
}

// Navigate opens pageKey. Any failure to reach it fails the session.
func (s *Session) Navigate(ctx context.Context, pageKey string) (Page, error) {
	if s.State() != StateLoggedIn {
		return Page{}, s.invalid("navigate", StateLoggedIn)
	}
	if ctx.Err() != nil {
		return Page{}, s.cancelled(ctx, "navigate")
	}

	s.transition(StateNavigating)

	page, err := s.browser.Navigate(ctx, pageKey)
	switch {
	case err == nil:
		s.transition(StateLoggedIn)
		return page, nil
	case ctx.Err() != nil:
		return Page{}, s.cancelled(ctx, "navigate")
	case errors.Is(err, ErrUnexpectedLayout):
		return Page{}, s.fail(&SessionError{Op: "navigate", State: StateNavigating, Err: err})
	default:
		return Page{}, s.fail(&NavigationError{Page: pageKey, Err: err})
	}
}

// RequestExport triggers an export of station between the provider-local bounds.
func (s *Session) RequestExport(ctx context.Context, station weather.Station, from, to time.Time, dir string) error {
	if s.State() != StateLoggedIn {
		return s.invalid("request_export", StateLoggedIn)
	}
	if !s.provider.HasStation(station.ID) {
		return s.fail(&SessionError{
			Op:    "request_export",
			State: StateLoggedIn,
			Err:   fmt.Errorf("%w: %s not in %s", ErrForeignStation, station.ID, s.provider.ID),
		})
	}
	if from.After(to) {
		return s.fail(&SessionError{Op: "request_export", State: StateLoggedIn, Err: ErrInvalidRange})
	}
	if ctx.Err() != nil {
		return s.cancelled(ctx, "request_export")
	}

	err := s.browser.RequestExport(ctx, ExportRequest{
		Station:     station,
		From:        from,
		To:          to,
		DownloadDir: dir,
	})
	switch {
	case err == nil:
		s.transition(StateExportRequested)
		return nil
	case ctx.Err() != nil:
		return s.cancelled(ctx, "request_export")
	default:
		return s.fail(&SessionError{Op: "request_export", State: StateLoggedIn, Err: err})
	}
}

// AwaitDownload polls dir until a finished file appears, returning its path. A file is
// finished when it has no in-progress suffix and a non-zero size unchanged across two
// consecutive polls. On timeout the directory is emptied.
func (s *Session) AwaitDownload(ctx context.Context, dir string, timeout time.Duration) (string, error) {
	if s.State() != StateExportRequested {
		return "", s.invalid("await_download", StateExportRequested)
	}

	s.transition(StateDownloading)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	sizes := make(map[string]int64)
	for {
		entries, err := s.browser.PollDownloadDir(ctx, dir)
		if err != nil {
			if ctx.Err() != nil {
				return "", s.purge(dir, s.cancelled(ctx, "await_download"))
			}
			return "", s.purge(dir, s.fail(&SessionError{Op: "await_download", State: StateDownloading, Err: err}))
		}
		if name, ok := stableFile(entries, sizes); ok {
			s.transition(StateDownloadComplete)
			return filepath.Join(dir, name), nil
		}

		select {
		case <-ctx.Done():
			return "", s.purge(dir, s.cancelled(ctx, "await_download"))
		case <-deadline.C:
			return "", s.purge(dir, s.fail(&DownloadTimeoutError{Dir: dir, Timeout: timeout}))
		case <-ticker.C:
		}
	}
}

// purge empties dir once the browser is gone, so no late write can land afterwards.
func (s *Session) purge(dir string, err error) error {
	if purgeErr := purgeDir(dir); purgeErr != nil {
		s.logger.Warnw("cleaning download dir failed", "dir", dir, "error", purgeErr)
	}
	return err
}

// Close tears the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.browser.Close()
}
