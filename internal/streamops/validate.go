package streamops

import (
	"fmt"

	"github.com/nolanh/llmfabric/internal/ir"
)

// SequenceIssueKind categorizes a sequence anomaly.
type SequenceIssueKind string

const (
	IssueGap        SequenceIssueKind = "gap"
	IssueDuplicate  SequenceIssueKind = "duplicate"
	IssueOutOfOrder SequenceIssueKind = "out_of_order"
)

// SequenceIssue describes one anomaly found by the validator.
type SequenceIssue struct {
	Kind     SequenceIssueKind
	Sequence int
	Expected int
}

func (i SequenceIssue) Error() string {
	return fmt.Sprintf("sequence %s at %d (expected %d)", i.Kind, i.Sequence, i.Expected)
}

// ValidateOptions configures Validate.
type ValidateOptions struct {
	Strict    bool
	OnWarning func(SequenceIssue)
}

// Validate wraps in with sequence-numbering checks from spec.md §3
// "Sequence invariant". Chunks whose Sequence is not meaningful (the
// convention here: chunks are always sequenced, so exemption applies only
// to a sentinel negative value) are passed through unexamined.
//
// In strict mode, the first anomaly closes the stream with a synthesized
// error chunk. In lenient mode, every anomaly is routed to OnWarning and
// the stream continues.
func Validate(in Stream, opts ValidateOptions) Stream {
	out := make(chan ir.StreamChunk)
	go func() {
		defer close(out)
		seen := make(map[int]bool)
		highWater := -1
		first := true

		for chunk := range in {
			if chunk.Sequence < 0 {
				out <- chunk
				continue
			}

			var issue *SequenceIssue
			switch {
			case seen[chunk.Sequence]:
				issue = &SequenceIssue{Kind: IssueDuplicate, Sequence: chunk.Sequence, Expected: highWater + 1}
			case !first && chunk.Sequence < highWater:
				issue = &SequenceIssue{Kind: IssueOutOfOrder, Sequence: chunk.Sequence, Expected: highWater + 1}
			case !first && chunk.Sequence > highWater+1:
				issue = &SequenceIssue{Kind: IssueGap, Sequence: chunk.Sequence, Expected: highWater + 1}
			}

			seen[chunk.Sequence] = true
			if chunk.Sequence > highWater {
				highWater = chunk.Sequence
			}
			first = false

			if issue != nil {
				if opts.Strict {
					out <- ir.StreamChunk{
						Type:     ir.ChunkError,
						Sequence: chunk.Sequence,
						Error:    &ir.ChunkErrorPayload{Code: "validation", Message: issue.Error()},
					}
					return
				}
				if opts.OnWarning != nil {
					opts.OnWarning(*issue)
				}
			}

			out <- chunk
		}
	}()
	return out
}
