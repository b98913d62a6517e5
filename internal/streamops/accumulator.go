// Package streamops implements the stream transformation layer from
// spec.md §4.3: delta/accumulated conversion, sequence validation, and the
// Rx-style operators (transform/filter/map/tap/collect/tee/...).
//
// A stream is represented the way the teacher represents
// provider.StreamChunk delivery: a receive-only channel, written by one
// producer goroutine and closed when the stream ends. Every operator here
// follows that same goroutine+channel shape.
package streamops

import "github.com/nolanh/llmfabric/internal/ir"

// Stream is a forward-only, one-shot, lazy sequence of chunks — spec.md
// §5's characterization of a streaming execute() result.
type Stream = <-chan ir.StreamChunk

// Accumulator is the pure running state produced by applying content
// chunks one at a time. ApplyChunk never mutates its receiver — it
// returns a new value, satisfying testable property 5 in spec.md §8.
type Accumulator struct {
	Accumulated string
	Role        ir.Role
	Sequence    int
	Metadata    map[string]any
	hasSequence bool
}

// NewAccumulator returns the zero-value starting point for a stream.
func NewAccumulator() Accumulator {
	return Accumulator{Role: ir.RoleAssistant}
}

// ApplyChunk returns a new Accumulator reflecting chunk, leaving the
// receiver untouched. Only content chunks affect Accumulated; every chunk
// type advances Sequence/Metadata bookkeeping.
func (a Accumulator) ApplyChunk(chunk ir.StreamChunk) Accumulator {
	out := a
	out.Sequence = chunk.Sequence
	out.hasSequence = true

	switch chunk.Type {
	case ir.ChunkContent:
		if chunk.Role != "" {
			out.Role = chunk.Role
		}
		if chunk.Accumulated != nil {
			out.Accumulated = *chunk.Accumulated
		} else {
			out.Accumulated = a.Accumulated + chunk.Delta
		}
	case ir.ChunkMetadata:
		if chunk.ChunkMetadata != nil {
			merged := make(map[string]any, len(a.Metadata)+len(chunk.ChunkMetadata))
			for k, v := range a.Metadata {
				merged[k] = v
			}
			for k, v := range chunk.ChunkMetadata {
				merged[k] = v
			}
			out.Metadata = merged
		}
	}
	return out
}

// AccumulateChunk is the free-function form of Accumulator.ApplyChunk used
// by code that doesn't want to import the method receiver style — kept
// because spec.md §8 property 5 names it directly as "accumulateChunk".
func AccumulateChunk(a Accumulator, chunk ir.StreamChunk) Accumulator {
	return a.ApplyChunk(chunk)
}
