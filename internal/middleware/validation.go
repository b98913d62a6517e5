package middleware

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
)

// PIIAction chooses what happens when PII is found.
type PIIAction string

const (
	PIIBlock  PIIAction = "block"
	PIIRedact PIIAction = "redact"
)

var piiPatterns = map[string]*regexp.Regexp{
	"EMAIL":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"PHONE":       regexp.MustCompile(`\b(\+?\d{1,2}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`),
	"SSN":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"CREDIT_CARD": regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
}

var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?previous instructions`),
	regexp.MustCompile(`(?i)disregard (the )?(above|prior) (instructions|prompt)`),
	regexp.MustCompile(`(?i)^\s*system\s*:`),
	regexp.MustCompile(`(?i)you are now`),
}

// ValidationConfig configures the validation middleware (spec.md §4.4).
type ValidationConfig struct {
	DetectPII      bool
	PIIAction      PIIAction
	DetectInjection bool
	Sanitize       bool // strip null bytes, normalize CRLF->LF
	MaxMessages    int
	MaxTotalTokens int // estimated via 4-char heuristic
	ThrowOnError   bool
}

// ProductionValidationPreset blocks rather than merely flagging — spec.md
// §9 leaves the production/development default unstated; this
// implementation chooses fail-fast (ThrowOnError=true, PIIAction=block)
// for production, matching the conservative default a deployed gateway
// would want.
func ProductionValidationPreset() ValidationConfig {
	return ValidationConfig{
		DetectPII: true, PIIAction: PIIBlock,
		DetectInjection: true, Sanitize: true,
		MaxMessages: 500, MaxTotalTokens: 200_000,
		ThrowOnError: true,
	}
}

// DevelopmentValidationPreset redacts PII instead of blocking, so a local
// iteration loop isn't interrupted by every test fixture containing an
// email address. With ThrowOnError false, other problems the validator
// finds do not fail the request and are not reported.
func DevelopmentValidationPreset() ValidationConfig {
	return ValidationConfig{
		DetectPII: true, PIIAction: PIIRedact,
		DetectInjection: true, Sanitize: true,
		MaxMessages: 2000, MaxTotalTokens: 1_000_000,
		ThrowOnError: false,
	}
}

// EstimateTokens is the 4-chars≈1-token budgeting heuristic from spec.md
// §1 — deliberately not a real tokenizer.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func sanitizeText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// Validation returns a unary middleware enforcing cfg against the
// request's messages before calling next.
func Validation(cfg ValidationConfig) UnaryMiddleware {
	return func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error) {
		req := ctx.Request
		var problems []string

		if cfg.MaxMessages > 0 && len(req.Messages) > cfg.MaxMessages {
			problems = append(problems, fmt.Sprintf("message count %d exceeds maxMessages %d", len(req.Messages), cfg.MaxMessages))
		}

		totalTokens := 0
		msgs := make([]ir.Message, len(req.Messages))
		copy(msgs, req.Messages)

		for i, m := range msgs {
			text := textOf(m)
			totalTokens += EstimateTokens(text)

			if cfg.Sanitize {
				text = sanitizeText(text)
			}

			if cfg.DetectInjection {
				for _, p := range promptInjectionPatterns {
					if p.MatchString(text) {
						problems = append(problems, fmt.Sprintf("message %d matched prompt-injection pattern", i))
						break
					}
				}
			}

			if cfg.DetectPII {
				for kind, p := range piiPatterns {
					if !p.MatchString(text) {
						continue
					}
					switch cfg.PIIAction {
					case PIIRedact:
						text = p.ReplaceAllString(text, "[REDACTED_"+kind+"]")
					default:
						problems = append(problems, fmt.Sprintf("message %d contains %s", i, kind))
					}
				}
			}

			if text != textOf(m) {
				msgs[i] = ir.Message{Role: m.Role, Content: ir.TextContent(text), Name: m.Name, Metadata: m.Metadata}
			}
		}

		if cfg.MaxTotalTokens > 0 && totalTokens > cfg.MaxTotalTokens {
			problems = append(problems, fmt.Sprintf("estimated tokens %d exceeds maxTotalTokens %d", totalTokens, cfg.MaxTotalTokens))
		}

		if ok, paramProblems := ir.AreParametersValid(req.Parameters); !ok {
			for _, p := range paramProblems {
				problems = append(problems, p)
			}
		}

		if len(problems) > 0 && cfg.ThrowOnError {
			return ir.ChatResponse{}, adapter.New(adapter.CodeValidation, strings.Join(problems, "; "), false)
		}

		req.Messages = msgs
		ctx.Request = req
		return next(ctx)
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
