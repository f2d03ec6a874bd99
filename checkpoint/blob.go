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

// Package checkpoint implements the operator-state checkpoint blob of
// spec.md §6/§4.8, property P5: a fixed (kind, version, op_id) header
// over a zstd-compressed payload. Compression is wired through
// klauspost/compress/zstd the same way the teacher's compr package
// wraps it (compr/compression.go) rather than storing state
// uncompressed, since the hashmap/pagedvector serializations this
// wraps are dominated by repeated fixed-width key/value layouts that
// zstd compresses well.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/klauspost/compress/zstd"
)

// Kind identifies which operator produced an OperatorStateBlob's
// payload, per spec.md §6.
type Kind uint8

const (
	KindAggregation   Kind = 0
	KindHashJoin      Kind = 1
	KindNestedLoopJoin Kind = 2
)

// CurrentVersion is the payload format version this build writes.
// Decode rejects blobs from a newer version it cannot interpret.
const CurrentVersion uint16 = 1

// headerSize is the fixed (kind, version, op_id) prefix of spec.md §6.
const headerSize = 11 // 1 + 2 + 8

// OperatorStateBlob is spec.md §6's checkpoint unit: a typed header
// plus operator-specific state bytes (already serialized by the
// owning package — hashmap.Map.Serialize, pagedvector.Vector.Serialize,
// or window.Processor.Serialize).
type OperatorStateBlob struct {
	Kind    Kind
	Version uint16
	OpID    uint64
	Bytes   []byte
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)))
	if err != nil {
		panic(err)
	}
}

// Encode serializes b to its wire form: the fixed header followed by
// the zstd-compressed payload.
func Encode(b OperatorStateBlob) []byte {
	compressed := encoder.EncodeAll(b.Bytes, nil)
	out := make([]byte, headerSize, headerSize+len(compressed))
	out[0] = byte(b.Kind)
	binary.LittleEndian.PutUint16(out[1:3], b.Version)
	binary.LittleEndian.PutUint64(out[3:11], b.OpID)
	return append(out, compressed...)
}

// Decode parses the wire form written by Encode, decompressing the
// payload. It does not interpret Bytes further; the caller routes by
// Kind to hashmap.Deserialize, pagedvector.Deserialize, or
// window.Restore as appropriate.
func Decode(raw []byte) (OperatorStateBlob, error) {
	if len(raw) < headerSize {
		return OperatorStateBlob{}, fmt.Errorf("checkpoint: short blob: %d bytes", len(raw))
	}
	b := OperatorStateBlob{
		Kind:    Kind(raw[0]),
		Version: binary.LittleEndian.Uint16(raw[1:3]),
		OpID:    binary.LittleEndian.Uint64(raw[3:11]),
	}
	if b.Version > CurrentVersion {
		return OperatorStateBlob{}, fmt.Errorf("checkpoint: blob version %d newer than supported %d", b.Version, CurrentVersion)
	}
	payload, err := decoder.DecodeAll(raw[headerSize:], nil)
	if err != nil {
		return OperatorStateBlob{}, fmt.Errorf("checkpoint: decompress: %w", err)
	}
	b.Bytes = payload
	return b, nil
}

func (k Kind) String() string {
	switch k {
	case KindAggregation:
		return "aggregation"
	case KindHashJoin:
		return "hash_join"
	case KindNestedLoopJoin:
		return "nested_loop_join"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}
