// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package connpool caches one live connection per managed host and
// serializes host access. Callers Acquire a connection, use it, and
// Release it; while one caller holds a host every other caller for the
// same host waits, while different hosts proceed in parallel. A background
// sweep closes connections idle past the TTL.
package connpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/toeirei/runmaster/internal/logging"
)

// Conn is the slice of a connection the pool manages. A connection that
// stops reporting Ready is dropped on release instead of being reused.
type Conn interface {
	HostID() string
	Ready() bool
	Close() error
}

// DialFunc establishes a fresh connection to a host. It is injected at
// construction so tests can swap in fakes and so credential resolution
// happens at dial time, not pool-creation time.
type DialFunc[C Conn] func(ctx context.Context, hostID string) (C, error)

// ErrClosed is returned by Acquire after the pool shut down.
var ErrClosed = errors.New("connection pool closed")

// entry fields are only touched while holding sem, which doubles as the
// per-host operation lock.
type entry[C Conn] struct {
	sem      chan struct{}
	conn     C
	hasConn  bool
	lastUsed time.Time
}

// Pool is the per-host connection cache. One Pool belongs to one executor;
// there is no package-level instance.
type Pool[C Conn] struct {
	dial DialFunc[C]
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]*entry[C]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a pool around the given dialer. With idleTTL > 0 a background
// sweep closes connections that sat unused longer than the TTL.
func New[C Conn](dial DialFunc[C], idleTTL time.Duration) *Pool[C] {
	p := &Pool[C]{
		dial:    dial,
		ttl:     idleTTL,
		entries: make(map[string]*entry[C]),
		done:    make(chan struct{}),
	}
	if idleTTL > 0 {
		p.wg.Add(1)
		go p.sweep()
	}
	return p
}

func (p *Pool[C]) entryFor(hostID string) *entry[C] {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[hostID]
	if !ok {
		e = &entry[C]{sem: make(chan struct{}, 1)}
		p.entries[hostID] = e
	}
	return e
}

// Acquire hands out the host's connection, dialing if the cache is empty,
// stale, or dead. The caller owns the host exclusively until Release; a
// second Acquire for the same host blocks until then.
func (p *Pool[C]) Acquire(ctx context.Context, hostID string) (C, error) {
	var zero C
	e := p.entryFor(hostID)
	select {
	case e.sem <- struct{}{}:
		// Close may have raced with winning the lock.
		select {
		case <-p.done:
			<-e.sem
			return zero, ErrClosed
		default:
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.done:
		return zero, ErrClosed
	}

	if e.hasConn {
		if e.conn.Ready() && (p.ttl <= 0 || time.Since(e.lastUsed) <= p.ttl) {
			return e.conn, nil
		}
		e.conn.Close()
		e.hasConn = false
	}

	conn, err := p.dial(ctx, hostID)
	if err != nil {
		<-e.sem
		return zero, err
	}
	e.conn = conn
	e.hasConn = true
	return conn, nil
}

// Release returns the host to the pool. A healthy connection is kept with
// a fresh idle stamp; anything else is closed and forgotten.
func (p *Pool[C]) Release(conn C) {
	e := p.entryFor(conn.HostID())
	closed := false
	select {
	case <-p.done:
		closed = true
	default:
	}
	if closed || !conn.Ready() {
		conn.Close()
		e.hasConn = false
	} else {
		e.lastUsed = time.Now()
	}
	<-e.sem
}

func (p *Pool[C]) sweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle closes idle or dead cached connections. Hosts with an
// operation in flight are skipped this round; their semaphore is busy.
func (p *Pool[C]) evictIdle() {
	p.mu.Lock()
	entries := make([]*entry[C], 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		select {
		case e.sem <- struct{}{}:
		default:
			continue
		}
		if e.hasConn && (!e.conn.Ready() || time.Since(e.lastUsed) > p.ttl) {
			logging.Debugf("evicting idle connection to %s", e.conn.HostID())
			e.conn.Close()
			e.hasConn = false
		}
		<-e.sem
	}
}

// Close stops the sweep and closes every connection. It waits for in-flight
// operations to release their host first, so nothing is yanked mid-command.
func (p *Pool[C]) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	entries := make([]*entry[C], 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.sem <- struct{}{}
		if e.hasConn {
			e.conn.Close()
			e.hasConn = false
		}
		<-e.sem
	}
	return nil
}
