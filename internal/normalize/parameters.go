// Package normalize implements the frontend→backend parameter pipeline and
// system-message re-projection from spec.md §4.2. Both steps are pure:
// they return a new ir.Parameters / []ir.Message plus the warnings
// produced, and never mutate their input — same immutability discipline
// as the rest of the IR (spec.md §3 "Ownership & lifecycle").
package normalize

import (
	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/nolanh/llmfabric/internal/warnings"
)

// ParameterDefaults supplies values used only when the caller left a field
// unset. Defaults never overwrite caller-supplied values (spec.md §4.2
// step 5).
type ParameterDefaults struct {
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	TopK             *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
}

// Parameters runs the five-step pipeline from spec.md §4.2 against caps
// and returns the transformed parameters plus any warnings produced.
func Parameters(p ir.Parameters, caps ir.Capabilities, defaults ParameterDefaults) (ir.Parameters, []warnings.Warning) {
	out := p.Clone()
	var ws []warnings.Warning

	// Step 1: scale temperature into the backend's native range if it
	// differs from the canonical [0,2].
	if out.Temperature != nil {
		native := caps.TemperatureRange
		if native == ([2]float64{}) {
			native = ir.TemperatureRange
		}
		if native != ir.TemperatureRange {
			orig := *out.Temperature
			scaled := scale(orig, ir.TemperatureRange, native)
			out.Temperature = &scaled
			ws = append(ws, warnings.Warning{
				Category: warnings.CategoryParameterNormalized,
				Severity: warnings.SeverityInfo,
				Message:  "temperature scaled to backend's native range",
				Field:    "temperature",
				OriginalValue: orig, TransformedValue: scaled,
				Source: "normalizer",
			})
		}
	}

	// Step 2: clamp every scalar to its legal range.
	out.Temperature = clampFloat(out.Temperature, ir.TemperatureRange, "temperature", &ws)
	out.TopP = clampFloat(out.TopP, ir.TopPRange, "topP", &ws)
	out.FrequencyPenalty = clampFloat(out.FrequencyPenalty, ir.FrequencyPenaltyRange, "frequencyPenalty", &ws)
	out.PresencePenalty = clampFloat(out.PresencePenalty, ir.PresencePenaltyRange, "presencePenalty", &ws)
	if out.MaxTokens != nil && *out.MaxTokens < 1 {
		orig := *out.MaxTokens
		v := 1
		out.MaxTokens = &v
		ws = append(ws, clampWarning("maxTokens", orig, v))
	}
	if out.TopK != nil && *out.TopK < 1 {
		orig := *out.TopK
		v := 1
		out.TopK = &v
		ws = append(ws, clampWarning("topK", orig, v))
	}

	// Step 3: filter parameters the capabilities descriptor marks
	// unsupported.
	out, ws = filterUnsupported(out, caps, ws)

	// Step 4: truncate stopSequences to maxStopSequences.
	if caps.MaxStopSequences > 0 && len(out.StopSequences) > caps.MaxStopSequences {
		orig := out.StopSequences
		out.StopSequences = append([]string(nil), orig[:caps.MaxStopSequences]...)
		ws = append(ws, warnings.Warning{
			Category: warnings.CategoryStopSequencesTruncated,
			Severity: warnings.SeverityWarning,
			Message:  "stopSequences truncated to backend maximum",
			Field:    "stopSequences",
			OriginalValue: orig, TransformedValue: out.StopSequences,
			Source: "normalizer",
		})
	}

	// Step 5: apply defaults for anything still unset.
	if out.Temperature == nil {
		out.Temperature = defaults.Temperature
	}
	if out.MaxTokens == nil {
		out.MaxTokens = defaults.MaxTokens
	}
	if out.TopP == nil {
		out.TopP = defaults.TopP
	}
	if out.TopK == nil {
		out.TopK = defaults.TopK
	}
	if out.FrequencyPenalty == nil {
		out.FrequencyPenalty = defaults.FrequencyPenalty
	}
	if out.PresencePenalty == nil {
		out.PresencePenalty = defaults.PresencePenalty
	}

	return out, ws
}

func scale(v float64, from, to [2]float64) float64 {
	if from[1] == from[0] {
		return to[0]
	}
	t := (v - from[0]) / (from[1] - from[0])
	return to[0] + t*(to[1]-to[0])
}

func clampFloat(v *float64, r [2]float64, field string, ws *[]warnings.Warning) *float64 {
	if v == nil {
		return nil
	}
	if *v < r[0] {
		orig := *v
		c := r[0]
		*ws = append(*ws, clampWarning(field, orig, c))
		return &c
	}
	if *v > r[1] {
		orig := *v
		c := r[1]
		*ws = append(*ws, clampWarning(field, orig, c))
		return &c
	}
	return v
}

func clampWarning(field string, orig, transformed any) warnings.Warning {
	return warnings.Warning{
		Category:         warnings.CategoryParameterClamped,
		Severity:         warnings.SeverityWarning,
		Message:          field + " clamped to legal range",
		Field:            field,
		OriginalValue:    orig,
		TransformedValue: transformed,
		Source:           "normalizer",
	}
}

func filterUnsupported(p ir.Parameters, caps ir.Capabilities, ws []warnings.Warning) (ir.Parameters, []warnings.Warning) {
	drop := func(field string, present bool) bool {
		if !present {
			return false
		}
		ws = append(ws, warnings.Warning{
			Category: warnings.CategoryParameterUnsupported,
			Severity: warnings.SeverityWarning,
			Message:  field + " is not supported by this backend and was dropped",
			Field:    field,
			Source:   "normalizer",
		})
		return true
	}
	if !caps.Parameters.Temperature && drop("temperature", p.Temperature != nil) {
		p.Temperature = nil
	}
	if !caps.Parameters.MaxTokens && drop("maxTokens", p.MaxTokens != nil) {
		p.MaxTokens = nil
	}
	if !caps.Parameters.TopP && drop("topP", p.TopP != nil) {
		p.TopP = nil
	}
	if !caps.Parameters.TopK && drop("topK", p.TopK != nil) {
		p.TopK = nil
	}
	if !caps.Parameters.FrequencyPenalty && drop("frequencyPenalty", p.FrequencyPenalty != nil) {
		p.FrequencyPenalty = nil
	}
	if !caps.Parameters.PresencePenalty && drop("presencePenalty", p.PresencePenalty != nil) {
		p.PresencePenalty = nil
	}
	if !caps.Parameters.StopSequences && drop("stopSequences", len(p.StopSequences) > 0) {
		p.StopSequences = nil
	}
	if !caps.Seed && drop("seed", p.Seed != nil) {
		p.Seed = nil
	}
	return p, ws
}
