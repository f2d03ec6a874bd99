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

package window

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrUnsupportedPolicy is returned by a RetentionPolicy stub that
// names an experimental strategy spec.md §9 leaves undocumented
// ("which are production-relevant vs. experimental is not documented
// here"). Only WatermarkRetention is wired into production use by
// this runtime; the others are named so a future caller can select
// them explicitly once their semantics are recovered, without
// silently behaving like watermark-driven retention.
var ErrUnsupportedPolicy = errors.New("window: retention policy not implemented")

// RetentionPolicy decides when a Slice that has been fully triggered
// may be released. SliceStore.ReleaseIfAdmitted calls Admit;
// implementations that need per-access bookkeeping (LRU, 2Q, ...) do
// it here. This resolves spec.md §9's FIFO/LRU/SecondChance/2Q open
// question: WatermarkRetention is the only production policy; the
// others are declared but return ErrUnsupportedPolicy, which
// ReleaseIfAdmitted returns the first time a slice is offered for
// release. Constructing a SliceStore with one of them does not fail.
type RetentionPolicy interface {
	// Admit is called once per triggered-and-dereferenced slice; it
	// returns true if the slice may be released now.
	Admit(s *Slice) (bool, error)
}

// WatermarkRetention releases a slice as soon as every window
// containing it has triggered — the only retention behavior spec.md
// actually specifies (§4.9 "Slice is released once the last window
// containing it has triggered").
type WatermarkRetention struct{}

func (WatermarkRetention) Admit(s *Slice) (bool, error) {
	return s.windowRefCount == 0, nil
}

// unsupportedPolicy names an experimental cache-eviction strategy from
// the original source that this runtime declines to guess at.
type unsupportedPolicy struct{ name string }

func (u unsupportedPolicy) Admit(*Slice) (bool, error) { return false, ErrUnsupportedPolicy }

var (
	// FIFORetention, LRURetention, SecondChanceRetention, and
	// TwoQRetention name the remaining strategies spec.md §9 observed
	// without resolving; selecting one fails fast.
	FIFORetention         RetentionPolicy = unsupportedPolicy{"fifo"}
	LRURetention          RetentionPolicy = unsupportedPolicy{"lru"}
	SecondChanceRetention RetentionPolicy = unsupportedPolicy{"second-chance"}
	TwoQRetention         RetentionPolicy = unsupportedPolicy{"2q"}
)

// sliceState is the per-slice lifecycle of spec.md §4.9:
// Created -> Filling -> Ready -> Triggered -> Released.
type sliceState int

const (
	sliceCreated sliceState = iota
	sliceFilling
	sliceReady
	sliceTriggered
	sliceReleased
)

// Slice is an event-time interval owning one opaque per-worker state
// object per build operator instance sharing this store, per spec.md
// §3. State is typed as `any` because the store is shared by
// aggregation and join builds, which hang different things off a
// slice (hashmaps vs. paged vectors).
type Slice struct {
	Start, End uint64

	state          sliceState
	perWorker      []any
	windowRefCount int // number of not-yet-triggered windows that contain this slice
}

// WorkerState returns worker w's state object for this slice, creating
// it via create on first access.
func (s *Slice) WorkerState(worker int, create func() any) any {
	for len(s.perWorker) <= worker {
		s.perWorker = append(s.perWorker, nil)
	}
	if s.perWorker[worker] == nil {
		s.perWorker[worker] = create()
	}
	return s.perWorker[worker]
}

// PerWorker returns every non-nil worker state currently attached to
// the slice, used by Probe to combine them at trigger time.
func (s *Slice) PerWorker() []any {
	out := make([]any, 0, len(s.perWorker))
	for _, v := range s.perWorker {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// WindowSpec describes a tumbling (slide == size) or sliding
// (slide < size) window, per spec.md §3.
type WindowSpec struct {
	Size, Slide uint64
}

func gcdU64(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// SliceWidth returns gcd(size, slide): the width every slice in this
// window's store must have so every window is a contiguous union of
// slices (spec.md §3 SliceStore invariant).
func (w WindowSpec) SliceWidth() uint64 {
	if w.Slide == 0 || w.Slide == w.Size {
		return w.Size
	}
	return gcdU64(w.Size, w.Slide)
}

// TriggerTask names one window ready to be probed: spec.md §4.7
// advance_watermark returns these.
type TriggerTask struct {
	WindowStart, WindowEnd uint64
	Slices                 []*Slice
}

// LateStats counts the late-tuple outcomes of spec.md §4.7's Failure
// clause and scenario 5.
type LateStats struct {
	LateAccepted int // ts < watermark but within AllowedLateness, joined an existing slice
	LateDropped  int // ts < watermark and outside AllowedLateness, dropped
}

// SliceStore is the per-operator-handler slice index of spec.md §4.7:
// a mapping ts -> Slice, ordered by slice_start, plus the window
// bookkeeping needed to decide when a window is ready to trigger.
//
// AllowedLateness is an explicit tunable (spec.md §9: "treat as a
// deliberate tunable with documented current behavior, not as an
// invariant") rather than a protocol invariant: a tuple whose ts has
// already fallen below the watermark may still join a slice if
// ts + AllowedLateness >= watermark; otherwise it is dropped and
// counted in Stats().LateDropped.
type SliceStore struct {
	mu              sync.Mutex
	spec            WindowSpec
	width           uint64
	workers         int
	policy          RetentionPolicy
	AllowedLateness uint64

	slices    map[uint64]*Slice // keyed by slice start
	byStart   []uint64          // sorted slice starts, kept for slices_in_window / iteration
	watermark uint64
	triggered map[uint64]bool // keyed by window start: has this window already triggered

	stats LateStats
}

// NewSliceStore creates a store for the given window spec. policy
// defaults to WatermarkRetention when nil.
func NewSliceStore(spec WindowSpec, workers int, policy RetentionPolicy) *SliceStore {
	if policy == nil {
		policy = WatermarkRetention{}
	}
	return &SliceStore{
		spec:      spec,
		width:     spec.SliceWidth(),
		workers:   workers,
		policy:    policy,
		slices:    make(map[uint64]*Slice),
		triggered: make(map[uint64]bool),
	}
}

func (s *SliceStore) sliceStartFor(ts uint64) uint64 {
	return (ts / s.width) * s.width
}

// GetOrCreate returns the slice containing ts, creating it (and
// incrementing its windowRefCount for every window it will belong to)
// on first access. Returns (nil, false) if ts is too late to admit
// (see AllowedLateness); a late-but-admitted ts still returns its
// slice with accepted=true.
func (s *SliceStore) GetOrCreate(ts uint64) (slice *Slice, accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts < s.watermark {
		if s.AllowedLateness == 0 || ts+s.AllowedLateness < s.watermark {
			s.stats.LateDropped++
			return nil, false
		}
		s.stats.LateAccepted++
	}

	start := s.sliceStartFor(ts)
	sl, ok := s.slices[start]
	if !ok {
		sl = &Slice{Start: start, End: start + s.width, state: sliceFilling}
		sl.windowRefCount = s.windowsContaining(start)
		s.slices[start] = sl
		at, _ := slices.BinarySearch(s.byStart, start)
		s.byStart = slices.Insert(s.byStart, at, start)
	}
	return sl, true
}

// windowsContaining returns how many distinct window instances (by
// window_start) will ever contain the slice beginning at sliceStart:
// the windows windowsForSlice enumerates, which is fewer than
// size/slide at the stream's leading edge.
func (s *SliceStore) windowsContaining(sliceStart uint64) int {
	if s.spec.Slide == 0 || s.spec.Slide >= s.spec.Size {
		return 1
	}
	return len(s.windowsForSlice(sliceStart))
}

// windowsForSlice enumerates the window_start values of every window
// that contains the slice beginning at sliceStart (spec.md §4.7:
// "w.start <= slice.start && slice.end <= w.end").
func (s *SliceStore) windowsForSlice(sliceStart uint64) []uint64 {
	if s.spec.Slide == 0 || s.spec.Slide >= s.spec.Size {
		ws := (sliceStart / s.spec.Size) * s.spec.Size
		return []uint64{ws}
	}
	var out []uint64
	latest := (sliceStart / s.spec.Slide) * s.spec.Slide
	// step never exceeds latest, so the window start cannot underflow
	// below zero; earlier starts only end earlier, so stop at the first
	// window that no longer covers the slice.
	for step := uint64(0); step <= latest; step += s.spec.Slide {
		ws := latest - step
		we := ws + s.spec.Size
		if sliceStart+s.width > we {
			break
		}
		out = append(out, ws)
	}
	return out
}

// AdvanceWatermark raises the store's watermark and returns every
// window that has newly become ready to trigger (window_end <= ts and
// not previously triggered), per spec.md §4.7.
func (s *SliceStore) AdvanceWatermark(ts uint64) []TriggerTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts > s.watermark {
		s.watermark = ts
	}

	windowStarts := map[uint64]bool{}
	for _, start := range s.byStart {
		for _, ws := range s.windowsForSlice(start) {
			windowStarts[ws] = true
		}
	}

	var tasks []TriggerTask
	var readyStarts []uint64
	for ws := range windowStarts {
		readyStarts = append(readyStarts, ws)
	}
	slices.Sort(readyStarts)

	for _, ws := range readyStarts {
		we := ws + s.spec.Size
		if we > s.watermark {
			continue
		}
		if s.triggered[ws] {
			continue
		}
		s.triggered[ws] = true
		var members []*Slice
		for _, start := range s.byStart {
			sl := s.slices[start]
			if sl.Start >= ws && sl.End <= we {
				sl.state = sliceReady
				members = append(members, sl)
			}
		}
		tasks = append(tasks, TriggerTask{WindowStart: ws, WindowEnd: we, Slices: members})
	}
	return tasks
}

// ReleaseIfAdmitted marks a slice as having finished one more trigger
// pass and, if the configured RetentionPolicy admits release, removes
// it from the store. Call once per slice named in a TriggerTask after
// its Probe side has consumed it.
func (s *SliceStore) ReleaseIfAdmitted(sl *Slice) (released bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl.state = sliceTriggered
	if sl.windowRefCount > 0 {
		sl.windowRefCount--
	}
	ok, err := s.policy.Admit(sl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	sl.state = sliceReleased
	delete(s.slices, sl.Start)
	if i, ok := slices.BinarySearch(s.byStart, sl.Start); ok {
		s.byStart = slices.Delete(s.byStart, i, i+1)
	}
	return true, nil
}

// AllNonTriggered returns every slice that has not yet triggered for
// every window containing it, for checkpoint capture (spec.md §4.7).
func (s *SliceStore) AllNonTriggered() []*Slice {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Slice
	for _, start := range s.byStart {
		sl := s.slices[start]
		if sl.state != sliceTriggered && sl.state != sliceReleased {
			out = append(out, sl)
		}
	}
	return out
}

// Stats returns the late-tuple counters accumulated so far.
func (s *SliceStore) Stats() LateStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
