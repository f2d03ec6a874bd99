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

// Package exec implements the Pipeline Execution Context of spec.md
// §4.10: the contract between a compiled operator chain and the
// runtime, mirroring the teacher's push-based QuerySink/rowConsumer
// model (vm/sfw.go, vm/table.go) generalized from "rows" to tuple
// buffers carrying event-time state.
package exec

import (
	"fmt"
	"sync"

	"github.com/streamrt/engine/buffer"
)

// HandlerID names a long-lived per-operator handler (spec.md §9: "the
// source uses reference-counted shared pointers for operator
// handlers... handlers are owned by a handler registry keyed by id;
// operators hold ids, not pointers").
type HandlerID uint64

// Handler is the long-lived per-operator state an operator resolves
// through the execution context rather than capturing directly (a
// slice store, a watermark processor, ...).
type Handler interface{}

// HandlerRegistry owns every operator handler for one query, keyed by
// id, resolved by every worker thread's execution context without
// forming reference cycles between operators and their state.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[HandlerID]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[HandlerID]Handler)}
}

func (r *HandlerRegistry) Register(id HandlerID, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}

func (r *HandlerRegistry) Get(id HandlerID) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// OperatorID names one physical operator instance within a pipeline's
// compiled chain, used to tag local state and error coordinates
// (runtimeerr.Coords).
type OperatorID uint64

// Context is handed to every operator invocation. It carries the
// identity of the worker thread running it, buffer acquisition, and
// both the shared (cross-thread) handler registry and the per-thread
// local operator state map spec.md §4.10 separates: "get_local_state"
// is always scoped to WorkerID, "get_global_operator_handler" is
// shared.
type Context struct {
	WorkerID int
	Buffers  *buffer.Manager

	registry *HandlerRegistry
	local    map[OperatorID]any

	// emit receives tuple buffers destined for the successor pipeline
	// named by successorID; the Query Manager's worker pool is what
	// actually dispatches them (exec does not know about pipelines).
	emit func(successorID uint64, tb *buffer.TupleBuffer)
}

// NewContext creates a Context for one worker thread of one pipeline
// invocation. emit is called by EmitBuffer; it is expected to enqueue
// a new work item on the Query Manager's worker pool.
func NewContext(workerID int, buffers *buffer.Manager, registry *HandlerRegistry, emit func(successorID uint64, tb *buffer.TupleBuffer)) *Context {
	return &Context{
		WorkerID: workerID,
		Buffers:  buffers,
		registry: registry,
		local:    make(map[OperatorID]any),
		emit:     emit,
	}
}

// GlobalHandler resolves a shared, long-lived operator handler by id.
func (c *Context) GlobalHandler(id HandlerID) (Handler, bool) {
	return c.registry.Get(id)
}

// SetLocalState stores op's thread-local state, partitioned by
// WorkerID per spec.md §5 ("partitioned by worker_thread_id, no
// locks").
func (c *Context) SetLocalState(op OperatorID, state any) {
	c.local[op] = state
}

// LocalState returns op's thread-local state, or nil if none has been
// set yet on this worker.
func (c *Context) LocalState(op OperatorID) any {
	return c.local[op]
}

// EmitBuffer appends tb to the work queue of the pipeline named by
// successorID (spec.md §4.10 Emission).
func (c *Context) EmitBuffer(successorID uint64, tb *buffer.TupleBuffer) {
	c.emit(successorID, tb)
}

// Operator is a physical operator in a compiled chain. Per spec.md
// §4.10's lifecycle, Setup runs once at pipeline install, Open once
// per incoming buffer, Execute once per record, Close once the buffer
// is drained, and Terminate once at pipeline shutdown. Operators that
// don't need a given stage embed NopOperator to satisfy the interface
// without writing empty methods at every callsite.
type Operator interface {
	ID() OperatorID
	Setup(ctx *Context) error
	Open(ctx *Context, tb *buffer.TupleBuffer) error
	Execute(ctx *Context, row int) error
	Close(ctx *Context, tb *buffer.TupleBuffer) error
	Terminate(ctx *Context) error
}

// NopOperator implements every Operator method as a no-op; embed it
// and override only the stages that matter for a concrete operator.
type NopOperator struct{ Op OperatorID }

func (n NopOperator) ID() OperatorID                           { return n.Op }
func (NopOperator) Setup(*Context) error                       { return nil }
func (NopOperator) Open(*Context, *buffer.TupleBuffer) error   { return nil }
func (NopOperator) Execute(*Context, int) error                { return nil }
func (NopOperator) Close(*Context, *buffer.TupleBuffer) error  { return nil }
func (NopOperator) Terminate(*Context) error                   { return nil }

// Chain runs an ordered sequence of operators over one incoming
// buffer's rows: Open on every operator, then Execute per row in
// operator order, then Close on every operator (reverse of Open is
// not required; spec.md does not specify teardown order within one
// buffer).
type Chain struct {
	Operators []Operator
}

// Run drives one buffer through open/execute*/close (Setup is run
// separately, by Chain.Setup), stopping
// at the first operator error and wrapping it with the operator's id
// (the Query Manager attaches query/pipeline ids on top, per spec.md
// §7's (query_id, pipeline_id, operator_id) triple).
func (c *Chain) Run(ctx *Context, tb *buffer.TupleBuffer, numTuples int) error {
	for _, op := range c.Operators {
		if err := op.Open(ctx, tb); err != nil {
			return fmt.Errorf("operator %d open: %w", op.ID(), err)
		}
	}
	for row := 0; row < numTuples; row++ {
		for _, op := range c.Operators {
			if err := op.Execute(ctx, row); err != nil {
				return fmt.Errorf("operator %d execute(row=%d): %w", op.ID(), row, err)
			}
		}
	}
	for _, op := range c.Operators {
		if err := op.Close(ctx, tb); err != nil {
			return fmt.Errorf("operator %d close: %w", op.ID(), err)
		}
	}
	return nil
}

// Setup runs Setup on every operator in the chain, in order, used
// once at pipeline install.
func (c *Chain) Setup(ctx *Context) error {
	for _, op := range c.Operators {
		if err := op.Setup(ctx); err != nil {
			return fmt.Errorf("operator %d setup: %w", op.ID(), err)
		}
	}
	return nil
}

// Terminate runs Terminate on every operator, in reverse order, at
// pipeline shutdown.
func (c *Chain) Terminate(ctx *Context) error {
	var firstErr error
	for i := len(c.Operators) - 1; i >= 0; i-- {
		if err := c.Operators[i].Terminate(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("operator %d terminate: %w", c.Operators[i].ID(), err)
		}
	}
	return firstErr
}
