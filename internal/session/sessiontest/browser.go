// Package sessiontest provides a scripted Browser for tests of code that drives sessions.
package sessiontest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

// Event is one recorded browser call.
type Event struct {
	Name    string
	Station string
	At      time.Time
}

// Script configures every Browser it creates and records what they were asked to do.
type Script struct {
	// LoginErr is returned by every Login.
	LoginErr error
	// NavigateErrs are returned by successive Navigate calls; nil once exhausted.
	NavigateErrs []error
	// NavigateDelay is spent inside Navigate, honouring ctx.
	NavigateDelay time.Duration
	RequestErr    error
	// Content is written to FileName by RequestExport after WriteDelay, unless NoFile.
	FileName   string
	Content    []byte
	WriteDelay time.Duration
	NoFile     bool

	mu       sync.Mutex
	events   []Event
	browsers int
	closed   int
}

// Factory returns a session.Factory creating browsers bound to s.
func (s *Script) Factory() session.Factory {
	return session.FactoryFunc(func(ctx context.Context, provider weather.Provider) (session.Browser, error) {
		return s.NewBrowser(), nil
	})
}

// NewBrowser creates a browser bound to s.
func (s *Script) NewBrowser() *Browser {
	s.mu.Lock()
	s.browsers++
	s.mu.Unlock()
	return &Browser{script: s}
}

func (s *Script) record(name, station string) {
	s.mu.Lock()
	s.events = append(s.events, Event{Name: name, Station: station, At: time.Now()})
	s.mu.Unlock()
}

// Events returns a copy of the recorded calls in order.
func (s *Script) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Count returns how many calls named name were recorded.
func (s *Script) Count(name string) int {
	n := 0
	for _, e := range s.Events() {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Browsers returns how many browsers were started and how many were closed.
func (s *Script) Browsers() (started, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browsers, s.closed
}

func (s *Script) nextNavigateErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.NavigateErrs) == 0 {
		return nil
	}
	err := s.NavigateErrs[0]
	s.NavigateErrs = s.NavigateErrs[1:]
	return err
}

// Browser is a session.Browser driven by a Script.
type Browser struct {
	script    *Script
	wg        sync.WaitGroup
	once      sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func (b *Browser) stop() chan struct{} {
	b.once.Do(func() { b.done = make(chan struct{}) })
	return b.done
}

func (b *Browser) Login(ctx context.Context, creds weather.Credentials) error {
	b.script.record("login", "")
	return b.script.LoginErr
}

func (b *Browser) Navigate(ctx context.Context, pageKey string) (session.Page, error) {
	b.script.record("navigate", "")
	if d := b.script.NavigateDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return session.Page{}, ctx.Err()
		}
	}
	if err := b.script.nextNavigateErr(); err != nil {
		return session.Page{}, err
	}
	return session.Page{Key: pageKey}, nil
}

func (b *Browser) RequestExport(ctx context.Context, req session.ExportRequest) error {
	b.script.record("export", req.Station.ID)
	if b.script.RequestErr != nil {
		return b.script.RequestErr
	}
	if b.script.NoFile {
		return nil
	}

	stop := b.stop()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-time.After(b.script.WriteDelay):
		case <-stop:
			return
		}
		final := filepath.Join(req.DownloadDir, b.script.FileName)
		part := final + ".part"
		if err := os.WriteFile(part, b.script.Content, 0o600); err != nil {
			return
		}
		_ = os.Rename(part, final)
	}()
	return nil
}

func (b *Browser) PollDownloadDir(ctx context.Context, dir string) ([]session.DownloadEntry, error) {
	entries, err := session.ScanDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.Name == b.script.FileName {
				b.script.record("poll_found", "")
			}
		}
	}
	return entries, err
}

func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop())
		b.wg.Wait()
		b.script.mu.Lock()
		b.script.closed++
		b.script.mu.Unlock()
	})
	return nil
}
