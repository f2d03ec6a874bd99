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

// Package queryplan implements the Executable Pipeline & Query Plan
// wiring of spec.md §4.10-§6: source/operator-chain/sink pipelines
// linked by predecessor/successor edges, mirroring the shape of the
// teacher's plan.Tree (plan/plan.go) generalized from a one-shot
// logical-plan-to-physical-plan lowering to a long-running streaming
// pipeline graph.
package queryplan

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/streamrt/engine/exec"
)

// Source is the external collaborator of spec.md §6: "Source::fill_buffer(buf,
// stop_token) -> usize_bytes". FillBuffer must honor stopToken promptly.
type Source interface {
	Open() error
	FillBuffer(buf []byte, stopToken *StopToken) (n int, err error)
	Close() error
}

// Sink is the external collaborator of spec.md §6.
type Sink interface {
	Start(ctx *exec.Context) error
	Execute(ctx *exec.Context, tb []byte) error
	Stop(ctx *exec.Context) error
}

// OutOfOrderPolicy governs how a sink buffers out-of-order work items
// before final write (spec.md §5/§6).
type OutOfOrderPolicy int

const (
	Allow OutOfOrderPolicy = iota
	Enforce
	Drop
)

// StopToken is the cancellation signal of spec.md §5: "stop(Hard) sets
// a stop_token visible to source fill loops and worker loop".
type StopToken struct {
	stop chan struct{}
}

func NewStopToken() *StopToken { return &StopToken{stop: make(chan struct{})} }

func (s *StopToken) Request()           { safeClose(s.stop) }
func (s *StopToken) IsStopRequested() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func safeClose(ch chan struct{}) {
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
}

// SinkDescriptor and SourceDescriptor name the external boundary
// components of a CompiledQueryPlan (spec.md §6); their concrete
// encoding is out of scope, so they are carried as opaque ids plus
// the policy the runtime itself must act on.
type SinkDescriptor struct {
	ID       uint64
	Sink     Sink
	OutOfOrder OutOfOrderPolicy
}

type SourceDescriptor struct {
	ID     uint64
	Source Source
	Origin uint64 // watermark-processor origin id this source feeds
}

// ExecutablePipeline is spec.md §6's ExecutablePipeline: an operator
// chain plus its successor edges and the handler ids it installs.
type ExecutablePipeline struct {
	ID         uint64
	Chain      *exec.Chain
	Successors []uint64 // ids of downstream ExecutablePipelines
	Handlers   map[exec.HandlerID]exec.Handler
}

// ExecutableQueryPlan is spec.md §6's ExecutablePipeline set wired
// into one runnable query: pipelines keyed by id, plus the sources and
// sinks that bound the graph.
type ExecutableQueryPlan struct {
	// QueryID is assigned by query.Manager.RegisterQuery (spec.md §6
	// register_query); plans constructed directly for testing may leave
	// it zero.
	QueryID   uuid.UUID
	Pipelines map[uint64]*ExecutablePipeline
	Sources   []SourceDescriptor
	Sinks     []SinkDescriptor
}

// Validate checks the structural invariants a compiled plan must
// satisfy before it can be registered: every successor id must name a
// pipeline that exists in the same plan, and there must be at least
// one source and one pipeline. Violations are reported as
// InvalidConfig at register time per spec.md §7.
func (p *ExecutableQueryPlan) Validate() error {
	if len(p.Pipelines) == 0 {
		return fmt.Errorf("queryplan: plan %s has no pipelines", p.QueryID)
	}
	if len(p.Sources) == 0 {
		return fmt.Errorf("queryplan: plan %s has no sources", p.QueryID)
	}
	for id, pipe := range p.Pipelines {
		if pipe.ID != id {
			return fmt.Errorf("queryplan: pipeline keyed %d has ID %d", id, pipe.ID)
		}
		for _, succ := range pipe.Successors {
			if _, ok := p.Pipelines[succ]; !ok {
				return fmt.Errorf("queryplan: pipeline %d names unknown successor %d", id, succ)
			}
		}
	}
	return nil
}

// EntryPipelines returns the pipelines fed directly by a source
// (those not named as anyone's successor), the graph's roots.
func (p *ExecutableQueryPlan) EntryPipelines() []*ExecutablePipeline {
	isSuccessor := make(map[uint64]bool)
	for _, pipe := range p.Pipelines {
		for _, s := range pipe.Successors {
			isSuccessor[s] = true
		}
	}
	var out []*ExecutablePipeline
	for id, pipe := range p.Pipelines {
		if !isSuccessor[id] {
			out = append(out, pipe)
		}
	}
	return out
}
