package streamops

import "github.com/nolanh/llmfabric/internal/ir"

// ConvertOptions configures ConvertStreamMode.
type ConvertOptions struct {
	Mode ir.StreamMode
	// Transform, if set, post-processes the accumulated string before it
	// is attached to a chunk (spec.md §4.3: "optionally passed through a
	// user transform").
	Transform func(accumulated string) string
}

// ConvertStreamMode converts every content chunk of in to the requested
// mode, threading a running Accumulator through the stream. Non-content
// chunks pass through unchanged.
func ConvertStreamMode(in Stream, opts ConvertOptions) Stream {
	out := make(chan ir.StreamChunk)
	go func() {
		defer close(out)
		acc := NewAccumulator()
		for chunk := range in {
			if chunk.Type != ir.ChunkContent {
				out <- chunk
				continue
			}
			acc = acc.ApplyChunk(chunk)
			switch opts.Mode {
			case ir.StreamModeAccumulated:
				val := acc.Accumulated
				if opts.Transform != nil {
					val = opts.Transform(val)
				}
				c := chunk
				c.Accumulated = &val
				out <- c
			default: // delta
				c := chunk
				c.Accumulated = nil
				out <- c
			}
		}
	}()
	return out
}

// AddAccumulatedToStream is ConvertStreamMode pinned to accumulated mode —
// named to match spec.md §9's "addAccumulatedToStream".
func AddAccumulatedToStream(in Stream) Stream {
	return ConvertStreamMode(in, ConvertOptions{Mode: ir.StreamModeAccumulated})
}

// StripAccumulatedFromStream is ConvertStreamMode pinned to delta mode —
// spec.md §9's "stripAccumulatedFromStream". Applying this after
// AddAccumulatedToStream must leave content chunks with identical deltas
// and no Accumulated field (spec.md §8 property 4).
func StripAccumulatedFromStream(in Stream) Stream {
	return ConvertStreamMode(in, ConvertOptions{Mode: ir.StreamModeDelta})
}
