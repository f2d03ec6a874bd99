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

// Package query implements the Query Manager of spec.md §4.11: it
// registers, starts, and stops compiled query plans and dispatches
// their work items (a tuple buffer paired with a successor pipeline
// id) to a fixed-size worker pool. The dispatch loop is grounded on
// the teacher's sorting.threadPool (sorting/thread_pool.go): a
// mutex/cond-guarded request slice drained by N worker goroutines,
// generalized here from sort-range requests to pipeline work items
// and from a single Close(err) to the three termination types of
// spec.md §5.
package query

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/streamrt/engine/buffer"
	"github.com/streamrt/engine/exec"
	"github.com/streamrt/engine/queryplan"
	"github.com/streamrt/engine/runtimeerr"
)

// QueryID identifies one registered query. register_query (spec.md
// §6) mints a fresh one per call; there is no caller-supplied id.
type QueryID = uuid.UUID

// TerminationType is spec.md §5's three termination modes.
type TerminationType int

const (
	Graceful TerminationType = iota
	HardStop
	Failure
)

// Status is the externally observable state of a registered query
// (spec.md §4.11 status()).
type Status int

const (
	StatusRegistered Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// workItem is a tuple buffer paired with the id of the pipeline that
// should process it next (spec.md §2's Control flow, §4.10 Emission).
type workItem struct {
	queryID    QueryID
	pipelineID uint64
	buf        *buffer.TupleBuffer
	numTuples  int
}

// queryState is the Query Manager's bookkeeping for one registered
// query.
type queryState struct {
	mu          sync.Mutex
	plan        *queryplan.ExecutableQueryPlan
	status      Status
	err         error
	stopToken   *queryplan.StopToken
	inFlight    int // work items currently dispatched, for Graceful drain + P1 buffer conservation
	drainSignal *sync.Cond
}

// Manager is the Query Manager of spec.md §4.11: a registry of
// compiled plans plus a fixed-size worker pool draining a shared work
// queue, exactly as sorting.threadPool drains its request slice.
type Manager struct {
	reqMu    sync.Mutex
	cond     *sync.Cond
	requests []workItem
	closed   bool
	wg       sync.WaitGroup

	buffers   *buffer.Manager
	registry  *exec.HandlerRegistry
	workers   int

	qMu     sync.Mutex
	queries map[QueryID]*queryState
}

// NewManager creates a Query Manager with a fixed pool of workers
// OS-scheduled goroutines (spec.md §5: "Parallel threads... fixed-size
// worker pool").
func NewManager(workers int, buffers *buffer.Manager) *Manager {
	m := &Manager{
		buffers:  buffers,
		registry: exec.NewHandlerRegistry(),
		workers:  workers,
		queries:  make(map[QueryID]*queryState),
	}
	m.cond = sync.NewCond(&m.reqMu)
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	var started sync.WaitGroup
	started.Add(m.workers)
	m.wg.Add(m.workers)
	for i := 0; i < m.workers; i++ {
		go m.workerLoop(i, &started)
	}
	started.Wait()
}

// workerLoop mirrors sorting.threadPool.init's worker closure: wait on
// the cond for a non-empty request slice (or closed), pop the most
// recently enqueued item, run it outside the lock.
func (m *Manager) workerLoop(id int, started *sync.WaitGroup) {
	defer m.wg.Done()
	started.Done()

	for {
		m.reqMu.Lock()
		for !m.closed && len(m.requests) == 0 {
			m.cond.Wait()
		}
		if m.closed && len(m.requests) == 0 {
			m.reqMu.Unlock()
			return
		}
		n := len(m.requests)
		item := m.requests[n-1]
		m.requests = m.requests[:n-1]
		m.reqMu.Unlock()

		m.runWorkItem(id, item)
	}
}

func (m *Manager) enqueue(item workItem) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if m.closed {
		return
	}
	m.requests = append(m.requests, item)
	m.cond.Signal()
}

func (m *Manager) runWorkItem(workerID int, item workItem) {
	qs := m.queryState(item.queryID)
	if qs == nil {
		return
	}
	qs.mu.Lock()
	qs.inFlight++
	status := qs.status
	qs.mu.Unlock()

	defer func() {
		qs.mu.Lock()
		qs.inFlight--
		if qs.drainSignal != nil {
			qs.drainSignal.Broadcast()
		}
		qs.mu.Unlock()
	}()

	if status != StatusRunning {
		item.buf.Release()
		return
	}

	pipe, ok := qs.plan.Pipelines[item.pipelineID]
	if !ok {
		m.fail(item.queryID, fmt.Errorf("%w: unknown pipeline %d", runtimeerr.ErrOperatorExecution, item.pipelineID))
		item.buf.Release()
		return
	}

	ctx := exec.NewContext(workerID, m.buffers, m.registry, func(successorID uint64, tb *buffer.TupleBuffer) {
		tb.Retain()
		m.enqueue(workItem{queryID: item.queryID, pipelineID: successorID, buf: tb, numTuples: int(tb.NumberOfTuples)})
	})

	err := pipe.Chain.Run(ctx, item.buf, item.numTuples)
	item.buf.Release()
	if err != nil {
		m.fail(item.queryID, &runtimeerr.OperatorExecutionError{
			Coords: runtimeerr.Coords{QueryID: item.queryID, PipelineID: item.pipelineID},
			Cause:  err,
		})
	}
}

func (m *Manager) queryState(id QueryID) *queryState {
	m.qMu.Lock()
	defer m.qMu.Unlock()
	return m.queries[id]
}

// RegisterQuery validates plan and assigns it a QueryID. A plan that
// fails structural validation never starts (spec.md §7 InvalidConfig).
func (m *Manager) RegisterQuery(plan *queryplan.ExecutableQueryPlan) (QueryID, error) {
	if err := plan.Validate(); err != nil {
		return QueryID{}, fmt.Errorf("%w: %s", runtimeerr.ErrInvalidConfig, err)
	}
	id := uuid.New()
	plan.QueryID = id

	m.qMu.Lock()
	defer m.qMu.Unlock()
	qs := &queryState{plan: plan, status: StatusRegistered, stopToken: queryplan.NewStopToken()}
	qs.drainSignal = sync.NewCond(&qs.mu)
	m.queries[id] = qs
	return id, nil
}

// Start installs every pipeline's handlers, runs Setup on each chain,
// and marks the query Running so enqueued work items are processed.
// Sources are the caller's responsibility to drive (spec.md §6:
// source fill loops are external); Start only prepares the runtime
// side of the pipeline graph.
func (m *Manager) Start(id QueryID) error {
	qs := m.queryState(id)
	if qs == nil {
		return fmt.Errorf("query: unknown query %s", id)
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()

	for _, pipe := range qs.plan.Pipelines {
		for handlerID, h := range pipe.Handlers {
			m.registry.Register(handlerID, h)
		}
		setupCtx := exec.NewContext(0, m.buffers, m.registry, func(uint64, *buffer.TupleBuffer) {})
		if err := pipe.Chain.Setup(setupCtx); err != nil {
			qs.status = StatusFailed
			qs.err = err
			return err
		}
	}
	qs.status = StatusRunning
	return nil
}

// Submit enqueues a raw tuple buffer as a work item for pipelineID
// within query id (the entry point a source connector calls into
// after producing a buffer).
func (m *Manager) Submit(id QueryID, pipelineID uint64, tb *buffer.TupleBuffer, numTuples int) {
	m.enqueue(workItem{queryID: id, pipelineID: pipelineID, buf: tb, numTuples: numTuples})
}

// Status returns the current status (and failure cause, if any) of a
// registered query.
func (m *Manager) Status(id QueryID) (Status, error) {
	qs := m.queryState(id)
	if qs == nil {
		return StatusStopped, fmt.Errorf("query: unknown query %s", id)
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.status, qs.err
}

func (m *Manager) fail(id QueryID, err error) {
	qs := m.queryState(id)
	if qs == nil {
		return
	}
	qs.mu.Lock()
	if qs.status != StatusFailed {
		qs.status = StatusFailed
		qs.err = err
	}
	qs.mu.Unlock()
}

// Stop terminates a query per the given TerminationType. Graceful
// waits until no work item of the query is running (inFlight reaches
// zero), then runs Terminate on every pipeline's chain. It does not
// wait for queued work items, inject an end-of-stream marker, advance
// watermarks or trigger remaining windows. HardStop marks the query stopped immediately without waiting,
// dropping whatever is in flight.
func (m *Manager) Stop(id QueryID, t TerminationType) error {
	qs := m.queryState(id)
	if qs == nil {
		return fmt.Errorf("query: unknown query %s", id)
	}

	qs.mu.Lock()
	qs.status = StatusStopping
	qs.stopToken.Request()
	qs.mu.Unlock()

	if t == Graceful {
		qs.mu.Lock()
		for qs.inFlight > 0 {
			qs.drainSignal.Wait()
		}
		qs.mu.Unlock()
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	for _, pipe := range qs.plan.Pipelines {
		termCtx := exec.NewContext(0, m.buffers, m.registry, func(uint64, *buffer.TupleBuffer) {})
		_ = pipe.Chain.Terminate(termCtx)
	}
	if t == Failure {
		qs.status = StatusFailed
	} else {
		qs.status = StatusStopped
	}
	return nil
}

// Close shuts down the worker pool; no further queries should be
// registered after Close returns.
func (m *Manager) Close() {
	m.reqMu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.reqMu.Unlock()
	m.wg.Wait()
}
