package normalize

import (
	"strings"

	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/nolanh/llmfabric/internal/warnings"
)

const systemJoinSeparator = "\n\n"

// SystemMessageResult is the output of SystemMessages: the re-projected
// message list, an optional side-channel value for backends that take the
// system prompt as a separate parameter, and any warnings produced.
type SystemMessageResult struct {
	Messages        []ir.Message
	SystemParameter string // populated only for SystemSeparateParameter
	Warnings        []warnings.Warning
}

// SystemMessages re-projects system-role messages according to the
// backend's SystemMessageStrategy (spec.md §4.2).
func SystemMessages(messages []ir.Message, caps ir.Capabilities) SystemMessageResult {
	var systemParts []string
	var rest []ir.Message
	firstSystemIdx := -1

	for _, m := range messages {
		if m.Role == ir.RoleSystem {
			if firstSystemIdx == -1 {
				firstSystemIdx = len(rest)
			}
			systemParts = append(systemParts, textOf(m))
			continue
		}
		rest = append(rest, m)
	}

	if len(systemParts) == 0 {
		return SystemMessageResult{Messages: messages}
	}

	switch caps.SystemMessageStrategy {
	case ir.SystemSeparateParameter:
		joined := systemParts[0]
		if caps.SupportsMultipleSystemMessages {
			joined = strings.Join(systemParts, systemJoinSeparator)
		}
		return SystemMessageResult{
			Messages:        rest,
			SystemParameter: joined,
		}

	case ir.SystemInMessages:
		if caps.SupportsMultipleSystemMessages {
			return SystemMessageResult{Messages: messages}
		}
		collapsed := ir.Message{Role: ir.RoleSystem, Content: ir.TextContent(strings.Join(systemParts, systemJoinSeparator))}
		out := insertAt(rest, firstSystemIdx, collapsed)
		return SystemMessageResult{
			Messages: out,
			Warnings: []warnings.Warning{transformedWarning("collapsed multiple system messages into one")},
		}

	case ir.SystemPrependUser:
		joined := strings.Join(systemParts, systemJoinSeparator)
		for i, m := range rest {
			if m.Role == ir.RoleUser {
				merged := joined + systemJoinSeparator + textOf(m)
				out := append([]ir.Message(nil), rest...)
				out[i] = ir.Message{Role: ir.RoleUser, Content: ir.TextContent(merged), Name: m.Name, Metadata: m.Metadata}
				return SystemMessageResult{
					Messages: out,
					Warnings: []warnings.Warning{transformedWarning("system content prepended to first user message")},
				}
			}
		}
		// no user message to prepend onto: pass through unchanged.
		return SystemMessageResult{Messages: messages}

	case ir.SystemNotSupported:
		return SystemMessageResult{
			Messages: rest,
			Warnings: []warnings.Warning{transformedWarning("system messages are not supported by this backend and were dropped")},
		}

	default:
		return SystemMessageResult{Messages: messages}
	}
}

func transformedWarning(msg string) warnings.Warning {
	return warnings.Warning{
		Category: warnings.CategorySystemMessageTransformed,
		Severity: warnings.SeverityInfo,
		Message:  msg,
		Field:    "messages",
		Source:   "normalizer",
	}
}

func textOf(m ir.Message) string {
	if m.Content.Text != nil {
		return *m.Content.Text
	}
	var b strings.Builder
	for _, blk := range m.Content.Blocks {
		if blk.Type == ir.ContentText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func insertAt(msgs []ir.Message, idx int, m ir.Message) []ir.Message {
	if idx < 0 || idx > len(msgs) {
		idx = 0
	}
	out := make([]ir.Message, 0, len(msgs)+1)
	out = append(out, msgs[:idx]...)
	out = append(out, m)
	out = append(out, msgs[idx:]...)
	return out
}
