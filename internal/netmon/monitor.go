// Package netmon tracks whether the backend is reachable and notifies
// listeners on connectivity edges.
package netmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const (
	defaultProbeInterval    = 10 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultFailureThreshold = 2

	// signalDebounce lets a writer finish replacing the signal file before
	// it is read.
	signalDebounce = 100 * time.Millisecond

	// maxSignalBytes caps how much of the signal file is read.
	maxSignalBytes = 64
)

// Options configures the connectivity sources. Every source is optional;
// with none configured the monitor only reflects Report calls.
type Options struct {
	// HealthURL is probed with GET; any 2xx-4xx answer counts as online.
	HealthURL        string
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int

	// SignalFile holds "online" or "offline", written by a platform shim
	// that observes OS connectivity events.
	SignalFile string

	// InitialOnline is the state before any source reports.
	InitialOnline bool

	HTTPClient *http.Client
}

// Monitor holds the current connectivity state. It is safe for
// concurrent use.
type Monitor struct {
	opts   Options
	logger *slog.Logger
	probe  func(ctx context.Context) error

	mu        sync.Mutex
	online    bool
	failures  int
	listeners map[int]func(online bool)
	nextID    int
}

// New creates a monitor. Call Run to start the configured sources.
func New(opts Options, logger *slog.Logger) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}

	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}

	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	m := &Monitor{
		opts:      opts,
		logger:    logger,
		online:    opts.InitialOnline,
		listeners: make(map[int]func(bool)),
	}
	m.probe = m.httpProbe

	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// OnChange registers cb for connectivity edges. Callbacks run on the
// goroutine that observed the edge, outside the monitor's lock.
func (m *Monitor) OnChange(cb func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Report sets the state directly. Listeners fire only when the state
// actually changes.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	m.failures = 0

	if m.online == online {
		m.mu.Unlock()
		return
	}

	m.online = online
	cbs := make([]func(bool), 0, len(m.listeners))

	for _, cb := range m.listeners {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Warn("connectivity lost")
	}

	for _, cb := range cbs {
		cb(online)
	}
}

// Run starts the probe loop and the signal file watcher, whichever are
// configured, and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if m.opts.HealthURL != "" {
		g.Go(func() error { return m.probeLoop(ctx) })
	}

	if m.opts.SignalFile != "" {
		g.Go(func() error { return m.watchSignal(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (m *Monitor) probeLoop(ctx context.Context) error {
	m.checkOnce(ctx)

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

// checkOnce runs one probe. A success flips to online immediately; going
// offline needs FailureThreshold consecutive failures so one dropped
// request does not push every mutation into the outbox.
func (m *Monitor) checkOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.probe(pctx)
	cancel()

	if ctx.Err() != nil {
		return
	}

	if err == nil {
		m.Report(true)
		return
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	m.logger.Debug("health probe failed",
		slog.String("error", err.Error()),
		slog.Int("consecutive", failures),
	)

	if failures >= m.opts.FailureThreshold {
		m.Report(false)
	}
}

func (m *Monitor) httpProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}

	return nil
}

// watchSignal follows the signal file. The parent directory is watched so
// atomic replace-by-rename is seen as well as in-place writes.
func (m *Monitor) watchSignal(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(m.opts.SignalFile)

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching signal dir: %w", err)
	}

	m.logger.Info("connectivity signal watcher started", slog.String("file", path))
	m.applySignal(path)

	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				debounce = time.After(signalDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			m.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-debounce:
			debounce = nil

			m.applySignal(path)
		}
	}
}

func (m *Monitor) applySignal(path string) {
	online, ok, err := ReadSignal(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("reading connectivity signal", slog.String("error", err.Error()))
		}

		return
	}

	if !ok {
		m.logger.Debug("ignoring unrecognised connectivity signal", slog.String("file", path))
		return
	}

	m.Report(online)
}

// ReadSignal parses a connectivity signal file. ok is false when the
// content is neither "online" nor "offline".
func ReadSignal(path string) (online, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxSignalBytes))
	if err != nil {
		return false, false, err
	}

	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "online", "up", "1":
		return true, true, nil
	case "offline", "down", "0":
		return false, true, nil
	}

	return false, false, nil
}
