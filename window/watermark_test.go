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
	"testing"

	"github.com/streamrt/engine/buffer"
)

func sd(seq uint64, chunk uint32, last bool) buffer.SequenceData {
	return buffer.SequenceData{SequenceNumber: seq, ChunkNumber: chunk, LastChunk: last}
}

func TestSingleOriginMonotonic(t *testing.T) {
	p := NewProcessor()
	if w := p.Update(1, sd(0, 0, true), 10); w != 10 {
		t.Fatalf("watermark = %d, want 10", w)
	}
	if w := p.Update(1, sd(1, 0, true), 20); w != 20 {
		t.Fatalf("watermark = %d, want 20", w)
	}
}

func TestMultiChunkSequence(t *testing.T) {
	p := NewProcessor()
	// Sequence 0 has two chunks; the cursor must not advance until
	// both have arrived, and the second-arriving out-of-order chunk 1
	// still closes the gap.
	p.Update(1, sd(0, 1, true), 15)
	if w := p.GlobalWatermark(); w != 0 {
		t.Fatalf("watermark = %d before chunk 0 arrives, want 0", w)
	}
	w := p.Update(1, sd(0, 0, false), 10)
	if w != 15 {
		t.Fatalf("watermark = %d after closing gap, want 15 (max ts across chunks)", w)
	}
}

func TestGlobalWatermarkIsMinAcrossOrigins(t *testing.T) {
	p := NewProcessor()
	p.Update(1, sd(0, 0, true), 100)
	p.Update(2, sd(0, 0, true), 10)
	if w := p.GlobalWatermark(); w != 10 {
		t.Fatalf("watermark = %d, want 10 (min of 100, 10)", w)
	}
	stats := p.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats() len = %d, want 2", len(stats))
	}
}

func TestOutOfOrderSequenceBuffersAsGap(t *testing.T) {
	p := NewProcessor()
	// Sequence 1 arrives before sequence 0: it must be held pending,
	// not advance the cursor, until 0 closes the gap.
	p.Update(1, sd(1, 0, true), 50)
	if w := p.GlobalWatermark(); w != 0 {
		t.Fatalf("watermark = %d before seq 0 arrives, want 0", w)
	}
	stats := p.Stats()
	if stats[0].GapCount != 1 {
		t.Fatalf("GapCount = %d, want 1", stats[0].GapCount)
	}
	w := p.Update(1, sd(0, 0, true), 5)
	if w != 50 {
		t.Fatalf("watermark = %d after gap closes, want 50 (drains pending seq 1 too)", w)
	}
}

func TestAdvanceToMaxForcesTrigger(t *testing.T) {
	p := NewProcessor()
	p.Update(1, sd(0, 0, true), 5)
	w := p.AdvanceToMax()
	if w != ^uint64(0) {
		t.Fatalf("AdvanceToMax() = %d, want max uint64", w)
	}
	if got := p.GlobalWatermark(); got != w {
		t.Fatalf("GlobalWatermark() = %d after AdvanceToMax, want %d", got, w)
	}
}

// TestSerializeRestoreRoundTrip is property P5 for the Watermark
// Processor: a pending out-of-order gap and a mid-chunk-family cursor
// must both survive Serialize/Restore so a restored processor reaches
// the same future watermark given the same future inputs.
func TestSerializeRestoreRoundTrip(t *testing.T) {
	p := NewProcessor()
	p.Update(1, sd(0, 0, false), 10) // seq 0, chunk 0 of 2, cursor not yet advanced
	p.Update(1, sd(2, 0, true), 99)  // seq 2 arrives early: buffered as a pending gap
	p.Update(2, sd(0, 0, true), 7)

	restored, err := Restore(p.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := restored.GlobalWatermark(), p.GlobalWatermark(); got != want {
		t.Fatalf("restored watermark = %d, want %d", got, want)
	}
	statsBefore, statsAfter := p.Stats(), restored.Stats()
	if len(statsBefore) != len(statsAfter) {
		t.Fatalf("stats length mismatch: %d vs %d", len(statsBefore), len(statsAfter))
	}
	for i := range statsBefore {
		if statsBefore[i] != statsAfter[i] {
			t.Fatalf("stats[%d] = %+v, want %+v", i, statsAfter[i], statsBefore[i])
		}
	}

	// Closing seq 0's remaining chunk must behave identically on both
	// processors. Seq 2 (buffered earlier) still cannot drain until seq
	// 1 arrives, on either copy.
	w1 := p.Update(1, sd(0, 1, true), 15)
	w2 := restored.Update(1, sd(0, 1, true), 15)
	if w1 != w2 {
		t.Fatalf("post-restore watermark diverged: original=%d restored=%d", w1, w2)
	}
	if w1 != 7 {
		t.Fatalf("watermark = %d, want 7 (origin 1 reaches seq 0's max ts 15, origin 2 stays at 7, global is the min; seq 2 still gapped on missing seq 1)", w1)
	}
	if p.Stats()[0].GapCount != 1 || restored.Stats()[0].GapCount != 1 {
		t.Fatalf("expected seq 2 to remain pending on both processors")
	}
}
