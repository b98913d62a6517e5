package router

import (
	"strings"

	"github.com/nolanh/llmfabric/internal/adapter"
	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/nolanh/llmfabric/internal/warnings"
)

// TranslationStrategy chooses how model identifiers are substituted on
// fallback (spec.md §4.6 "Model translation on fallback").
type TranslationStrategy string

const (
	TranslationHybrid TranslationStrategy = "hybrid" // exact then family-wise
	TranslationStrict TranslationStrategy = "strict" // no substitution -> error
)

// TranslationConfig configures model translation.
type TranslationConfig struct {
	Strategy TranslationStrategy
	// Global maps a requested model to a replacement, applied when no
	// per-backend mapping exists.
	Global map[string]string
	// PerBackend maps backend name -> (requested model -> replacement).
	PerBackend map[string]map[string]string
	// WarnOnDefault controls whether falling back to the *original*
	// model on a backend that declares it supported also emits a
	// warning (useful for auditing silent passthroughs).
	WarnOnDefault bool
}

// modelFamily extracts the coarse family from a model id: its first two
// '-'-separated segments, or only the first when it has two or fewer —
// e.g. "gpt-4" has family "gpt" while "gpt-4-turbo" has family "gpt-4";
// "claude-3-opus" and "claude-3-sonnet" share family "claude-3".
func modelFamily(model string) string {
	parts := strings.Split(model, "-")
	if len(parts) <= 2 {
		return parts[0]
	}
	return strings.Join(parts[:2], "-")
}

// Translate resolves the model to request of targetBackend for a call
// originally made with requestedModel, per cfg.Strategy. It returns the
// resolved model, any warning to attach, and an error if strategy is
// strict and no mapping exists.
func Translate(cfg TranslationConfig, requestedModel, targetBackend string, targetSupports func(model string) bool) (string, *warnings.Warning, error) {
	if targetSupports != nil && targetSupports(requestedModel) {
		if cfg.WarnOnDefault {
			w := warnings.Warning{
				Category: warnings.CategoryModelSubstituted,
				Severity: warnings.SeverityInfo,
				Message:  "model-substituted: target backend already supports the requested model, no substitution performed",
				Field:    "parameters.model",
				Source:   "router",
			}
			return requestedModel, &w, nil
		}
		return requestedModel, nil, nil
	}

	if perBackend, ok := cfg.PerBackend[targetBackend]; ok {
		if sub, ok := perBackend[requestedModel]; ok {
			return subWarning(requestedModel, sub)
		}
	}
	if sub, ok := cfg.Global[requestedModel]; ok {
		return subWarning(requestedModel, sub)
	}

	if cfg.Strategy == TranslationStrict {
		return "", nil, adapter.New(adapter.CodeUnsupported, "strict model translation: no mapping for "+requestedModel+" on "+targetBackend, false)
	}

	// hybrid, family-wise: no exact mapping, but if a global/per-backend
	// mapping exists for *any* model sharing this family, reuse its
	// target.
	family := modelFamily(requestedModel)
	for reqModel, sub := range cfg.PerBackend[targetBackend] {
		if modelFamily(reqModel) == family {
			return subWarning(requestedModel, sub)
		}
	}
	for reqModel, sub := range cfg.Global {
		if modelFamily(reqModel) == family {
			return subWarning(requestedModel, sub)
		}
	}

	return "", nil, adapter.New(adapter.CodeUnsupported, "no model translation available for "+requestedModel+" on "+targetBackend, false)
}

func subWarning(from, to string) (string, *warnings.Warning, error) {
	w := warnings.Warning{
		Category:         warnings.CategoryModelSubstituted,
		Severity:         warnings.SeverityWarning,
		Message:          "model-substituted",
		Field:            "parameters.model",
		OriginalValue:    from,
		TransformedValue: to,
		Source:           "router",
	}
	return to, &w, nil
}

// applyTranslation mutates a copy of req's model, attaching the resulting
// warning to its metadata, and returns it.
func applyTranslation(req ir.ChatRequest, cfg TranslationConfig, targetBackend string, targetSupports func(string) bool) (ir.ChatRequest, error) {
	model, w, err := Translate(cfg, req.Parameters.Model, targetBackend, targetSupports)
	if err != nil {
		return req, err
	}
	req.Parameters = req.Parameters.Clone()
	req.Parameters.Model = model
	if w != nil {
		req.Metadata = req.Metadata.WithWarning(*w)
	}
	return req, nil
}
