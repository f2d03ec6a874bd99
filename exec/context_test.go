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

package exec

import (
	"errors"
	"testing"

	"github.com/streamrt/engine/buffer"
)

type countingOperator struct {
	NopOperator
	opens, executes, closes, terminates *int
}

func (c countingOperator) Open(ctx *Context, tb *buffer.TupleBuffer) error {
	*c.opens++
	return nil
}
func (c countingOperator) Execute(ctx *Context, row int) error {
	*c.executes++
	return nil
}
func (c countingOperator) Close(ctx *Context, tb *buffer.TupleBuffer) error {
	*c.closes++
	return nil
}
func (c countingOperator) Terminate(ctx *Context) error {
	*c.terminates++
	return nil
}

func TestChainLifecycleOrder(t *testing.T) {
	opens, executes, closes, terminates := 0, 0, 0, 0
	op := countingOperator{NopOperator: NopOperator{Op: 1}, opens: &opens, executes: &executes, closes: &closes, terminates: &terminates}
	chain := &Chain{Operators: []Operator{op}}

	registry := NewHandlerRegistry()
	var emitted []uint64
	ctx := NewContext(0, nil, registry, func(successorID uint64, tb *buffer.TupleBuffer) {
		emitted = append(emitted, successorID)
	})

	if err := chain.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := chain.Run(ctx, nil, 3); err != nil {
		t.Fatal(err)
	}
	if err := chain.Terminate(ctx); err != nil {
		t.Fatal(err)
	}

	if opens != 1 || closes != 1 || terminates != 1 {
		t.Fatalf("opens=%d closes=%d terminates=%d, want 1 each", opens, closes, terminates)
	}
	if executes != 3 {
		t.Fatalf("executes=%d, want 3 (one per row)", executes)
	}
}

type failingOperator struct {
	NopOperator
}

func (failingOperator) Execute(ctx *Context, row int) error {
	if row == 1 {
		return errors.New("boom")
	}
	return nil
}

func TestChainRunStopsAtFirstError(t *testing.T) {
	chain := &Chain{Operators: []Operator{failingOperator{NopOperator{Op: 7}}}}
	ctx := NewContext(0, nil, NewHandlerRegistry(), func(uint64, *buffer.TupleBuffer) {})

	err := chain.Run(ctx, nil, 5)
	if err == nil {
		t.Fatal("expected error from row 1")
	}
}

func TestLocalStateIsPerWorkerIsolated(t *testing.T) {
	registry := NewHandlerRegistry()
	ctx0 := NewContext(0, nil, registry, func(uint64, *buffer.TupleBuffer) {})
	ctx1 := NewContext(1, nil, registry, func(uint64, *buffer.TupleBuffer) {})

	ctx0.SetLocalState(1, "worker0-state")
	ctx1.SetLocalState(1, "worker1-state")

	if got := ctx0.LocalState(1); got != "worker0-state" {
		t.Fatalf("ctx0 local state = %v, want worker0-state", got)
	}
	if got := ctx1.LocalState(1); got != "worker1-state" {
		t.Fatalf("ctx1 local state = %v, want worker1-state", got)
	}
}

func TestGlobalHandlerSharedAcrossContexts(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(42, "shared-handler")

	ctx0 := NewContext(0, nil, registry, func(uint64, *buffer.TupleBuffer) {})
	ctx1 := NewContext(1, nil, registry, func(uint64, *buffer.TupleBuffer) {})

	h0, ok0 := ctx0.GlobalHandler(42)
	h1, ok1 := ctx1.GlobalHandler(42)
	if !ok0 || !ok1 || h0 != h1 {
		t.Fatalf("expected both contexts to resolve the same shared handler, got (%v,%v) (%v,%v)", h0, ok0, h1, ok1)
	}
}
