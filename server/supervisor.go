// Package server implements the connection handler and the
// listener/shutdown supervisor on top of the store and pubsub packages.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pascaldekloe/respkv/pubsub"
	"github.com/pascaldekloe/respkv/shutdown"
	"github.com/pascaldekloe/respkv/store"
)

// acceptBackoffSteps is the fixed retry ladder for transient accept
// errors, reset to the first step on a successful accept.
var acceptBackoffSteps = []time.Duration{
	time.Second, 2 * time.Second, 4 * time.Second,
	8 * time.Second, 16 * time.Second, 64 * time.Second,
}

// Config configures a Supervisor.
type Config struct {
	// Addr is the listen address, e.g. ":6379".
	Addr string
	// MaxConns bounds concurrent connections. Zero means 250.
	MaxConns int64
	// DrainTimeout bounds how long ListenAndServe, after shutdown,
	// waits for active handlers to finish before returning anyway. Zero
	// means 30s.
	DrainTimeout time.Duration
	// TopicCapacity is the per-channel pub/sub buffer size. Zero means
	// 1024.
	TopicCapacity int
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 250
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.TopicCapacity <= 0 {
		c.TopicCapacity = 1024
	}
	return c
}

// Supervisor accepts connections, bounds concurrency, and coordinates
// graceful shutdown across every handler and the store's background
// expiry task (spec component C5).
type Supervisor struct {
	cfg      Config
	sig      *shutdown.Signal
	store    *store.Store
	registry *pubsub.Registry
	sem      *semaphore.Weighted

	// Errs carries Io and ConnectionReset errors observed on accepted
	// connections. It is closed once ListenAndServe returns. A caller
	// that wants these errors logged must read Errs continuously;
	// sends are non-blocking and drop the error otherwise, so a
	// non-draining caller only loses log lines, never stalls a
	// connection.
	Errs <-chan error
	errs chan error

	mu       sync.Mutex
	wg       sync.WaitGroup
	listener net.Listener
}

// New constructs a Supervisor. The Store and Registry it creates are
// shared across every accepted connection.
func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	sig := shutdown.New()
	errs := make(chan error, 64)
	return &Supervisor{
		cfg:      cfg,
		sig:      sig,
		store:    store.New(sig),
		registry: pubsub.NewRegistry(cfg.TopicCapacity),
		sem:      semaphore.NewWeighted(cfg.MaxConns),
		Errs:     errs,
		errs:     errs,
	}
}

// Shutdown fires the shared shutdown signal. Safe to call more than
// once and from any goroutine; ListenAndServe returns once existing
// handlers drain or DrainTimeout elapses.
func (s *Supervisor) Shutdown() { s.sig.Fire() }

// Addr returns the bound listen address. Valid only after
// ListenAndServe has started listening.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds cfg.Addr, accepts connections until Shutdown is
// called, then waits for active handlers to drain. Accept errors do not
// stop it: each one is retried on the backoff ladder. It returns an
// error only when binding fails, and nil after shutdown.
//
// The accept loop and the shutdown-triggered listener close run under
// one errgroup, which owns the lifetime of the pair; neither returns an
// error, and both end once the shutdown signal fires.
func (s *Supervisor) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(s.sig.Context())
	g.Go(func() error {
		return s.acceptLoop(ctx, ln)
	})
	g.Go(func() error {
		<-s.sig.Done()
		ln.Close()
		return nil
	})

	err = g.Wait()
	s.drain()
	close(s.errs)
	return err
}

func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener) error {
	backoffIdx := 0

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil // shutting down
		}

		nc, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.sig.IsSet() || isClosedConnError(err) {
				return nil
			}

			wait := acceptBackoffSteps[backoffIdx]
			if backoffIdx < len(acceptBackoffSteps)-1 {
				backoffIdx++
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoffIdx = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			c := newConn(nc, s.store, s.registry, s.sig, s.errs)
			c.serve()
		}()
	}
}

// drain waits for active handlers, bounded by cfg.DrainTimeout.
func (s *Supervisor) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
	}
}
