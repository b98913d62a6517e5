package streamops

import (
	"context"
	"time"

	"github.com/nolanh/llmfabric/internal/ir"
)

// isContent is a small helper so every operator can decide whether to
// apply its transform or pass a chunk through untouched — every operator
// here preserves non-content chunks by default (spec.md §4.3).
func isContent(c ir.StreamChunk) bool { return c.Type == ir.ChunkContent }

// Transform maps content chunks through fn; a nil return filters the
// chunk out of the stream entirely.
func Transform(in Stream, fn func(ir.StreamChunk) *ir.StreamChunk) Stream {
	out := make(chan ir.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range in {
			if !isContent(chunk) {
				out <- chunk
				continue
			}
			if res := fn(chunk); res != nil {
				out <- *res
			}
		}
	}()
	return out
}

// Filter keeps only content chunks for which pred returns true.
func Filter(in Stream, pred func(ir.StreamChunk) bool) Stream {
	return Transform(in, func(c ir.StreamChunk) *ir.StreamChunk {
		if pred(c) {
			return &c
		}
		return nil
	})
}

// Map applies fn to every content chunk, always keeping the result.
func Map(in Stream, fn func(ir.StreamChunk) ir.StreamChunk) Stream {
	return Transform(in, func(c ir.StreamChunk) *ir.StreamChunk {
		r := fn(c)
		return &r
	})
}

// Tap invokes fn for its side effect on every chunk (content and
// non-content alike) and passes every chunk through unchanged.
func Tap(in Stream, fn func(ir.StreamChunk)) Stream {
	out := make(chan ir.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range in {
			fn(chunk)
			out <- chunk
		}
	}()
	return out
}

// Collect drains in and returns every chunk as a slice.
func Collect(in Stream) []ir.StreamChunk {
	var all []ir.StreamChunk
	for chunk := range in {
		all = append(all, chunk)
	}
	return all
}

// StreamToText drains in and concatenates every content chunk's delta
// (or accumulated value, if present, taking the final one) into a single
// string.
func StreamToText(in Stream) string {
	var text string
	for chunk := range in {
		if chunk.Type != ir.ChunkContent {
			continue
		}
		if chunk.Accumulated != nil {
			text = *chunk.Accumulated
		} else {
			text += chunk.Delta
		}
	}
	return text
}

// StreamToResponse drains in and synthesizes an ir.ChatResponse. If the
// stream ends without a done chunk, one is synthesized from the
// accumulated content (spec.md §4.3). On the §9 open question of metadata
// merge precedence, the accumulator's own metadata wins over the caller's
// baseMetadata on key conflicts — matching the teacher's source bias
// noted in spec.md §9.
func StreamToResponse(in Stream, baseMetadata ir.Metadata) ir.ChatResponse {
	acc := NewAccumulator()
	var (
		gotDone      bool
		finishReason ir.FinishReason
		usage        *ir.Usage
		message      *ir.Message
		errPayload   *ir.ChunkErrorPayload
	)

	for chunk := range in {
		acc = acc.ApplyChunk(chunk)
		switch chunk.Type {
		case ir.ChunkDone:
			gotDone = true
			finishReason = chunk.FinishReason
			usage = chunk.DoneUsage
			message = chunk.DoneMessage
		case ir.ChunkError:
			errPayload = chunk.Error
		}
	}

	meta := baseMetadata
	for k, v := range acc.Metadata {
		if meta.Custom == nil {
			meta.Custom = map[string]any{}
		}
		meta.Custom[k] = v
	}

	if errPayload != nil {
		return ir.ChatResponse{
			Message:      ir.Message{Role: acc.Role, Content: ir.TextContent(acc.Accumulated)},
			FinishReason: ir.FinishError,
			Metadata:     meta,
		}
	}

	if message != nil {
		return ir.ChatResponse{Message: *message, FinishReason: finishReasonOr(gotDone, finishReason), Usage: usage, Metadata: meta}
	}

	return ir.ChatResponse{
		Message:      ir.Message{Role: acc.Role, Content: ir.TextContent(acc.Accumulated)},
		FinishReason: finishReasonOr(gotDone, finishReason),
		Usage:        usage,
		Metadata:     meta,
	}
}

func finishReasonOr(gotDone bool, fr ir.FinishReason) ir.FinishReason {
	if gotDone {
		return fr
	}
	return ir.FinishStop
}

// CatchErrors wraps the production of in (panics recovered inside the
// producer goroutine are out of scope here; this wraps explicit error
// chunks) and, on encountering one, invokes onError. If onError returns a
// non-nil chunk, that chunk is yielded before the stream terminates; a nil
// return terminates silently.
func CatchErrors(in Stream, onError func(ir.ChunkErrorPayload) *ir.StreamChunk) Stream {
	out := make(chan ir.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range in {
			if chunk.Type == ir.ChunkError {
				if onError != nil {
					if repl := onError(*chunk.Error); repl != nil {
						out <- *repl
					}
				}
				return
			}
			out <- chunk
		}
	}()
	return out
}

// WithTimeout closes the stream with a synthesized error chunk
// (code "timeout") if more than d elapses between chunks. onTimeout, if
// set, is invoked before the error chunk is emitted.
func WithTimeout(ctx context.Context, in Stream, d time.Duration, onTimeout func()) Stream {
	out := make(chan ir.StreamChunk)
	go func() {
		defer close(out)
		timer := time.NewTimer(d)
		defer timer.Stop()
		for {
			select {
			case chunk, ok := <-in:
				if !ok {
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(d)
				out <- chunk
			case <-timer.C:
				if onTimeout != nil {
					onTimeout()
				}
				out <- ir.StreamChunk{
					Type:  ir.ChunkError,
					Error: &ir.ChunkErrorPayload{Code: "timeout", Message: "inter-chunk timeout exceeded"},
				}
				return
			case <-ctx.Done():
				out <- ir.StreamChunk{
					Type:  ir.ChunkError,
					Error: &ir.ChunkErrorPayload{Code: "cancelled", Message: ctx.Err().Error()},
				}
				return
			}
		}
	}()
	return out
}

// RateLimit throttles content chunks to chunksPerSecond; non-content
// chunks pass through instantly (spec.md §4.3).
func RateLimit(ctx context.Context, in Stream, chunksPerSecond float64) Stream {
	out := make(chan ir.StreamChunk)
	interval := time.Duration(float64(time.Second) / chunksPerSecond)
	go func() {
		defer close(out)
		var last time.Time
		for chunk := range in {
			if isContent(chunk) {
				if !last.IsZero() {
					wait := interval - time.Since(last)
					if wait > 0 {
						select {
						case <-time.After(wait):
						case <-ctx.Done():
							return
						}
					}
				}
				last = time.Now()
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Tee splits in into n independently-consumable streams. Each branch
// buffers internally so slow consumers don't stall fast ones or each
// other — every branch sees every chunk, in order (spec.md §4.3, §5).
func Tee(in Stream, n int) []Stream {
	chans := make([]chan ir.StreamChunk, n)
	outs := make([]Stream, n)
	for i := range chans {
		chans[i] = make(chan ir.StreamChunk, 256)
		outs[i] = chans[i]
	}
	go func() {
		defer func() {
			for _, c := range chans {
				close(c)
			}
		}()
		for chunk := range in {
			for _, c := range chans {
				c <- chunk
			}
		}
	}()
	return outs
}
