package ir

import "fmt"

// Each *Range var holds the legal [min,max] for a scalar parameter.
// Exported so the normalizer package can clamp against the same bounds
// the validator checks — one source of truth for the numbers in spec.md
// §3.
var (
	TemperatureRange      = [2]float64{0, 2}
	TopPRange             = [2]float64{0, 1}
	FrequencyPenaltyRange = [2]float64{-2, 2}
	PresencePenaltyRange  = [2]float64{-2, 2}
)

// AreParametersValid checks all bounds from spec.md §3 without mutating p.
// It is the test oracle for the normalizer's clamp step (spec.md §4.2).
func AreParametersValid(p Parameters) (bool, []string) {
	var problems []string
	if p.Temperature != nil && !inRange(*p.Temperature, TemperatureRange) {
		problems = append(problems, fmt.Sprintf("temperature %.3f out of range [%.0f,%.0f]", *p.Temperature, TemperatureRange[0], TemperatureRange[1]))
	}
	if p.MaxTokens != nil && *p.MaxTokens < 1 {
		problems = append(problems, fmt.Sprintf("maxTokens %d must be >= 1", *p.MaxTokens))
	}
	if p.TopP != nil && !inRange(*p.TopP, TopPRange) {
		problems = append(problems, fmt.Sprintf("topP %.3f out of range [0,1]", *p.TopP))
	}
	if p.TopK != nil && *p.TopK < 1 {
		problems = append(problems, fmt.Sprintf("topK %d must be >= 1", *p.TopK))
	}
	if p.FrequencyPenalty != nil && !inRange(*p.FrequencyPenalty, FrequencyPenaltyRange) {
		problems = append(problems, fmt.Sprintf("frequencyPenalty %.3f out of range [-2,2]", *p.FrequencyPenalty))
	}
	if p.PresencePenalty != nil && !inRange(*p.PresencePenalty, PresencePenaltyRange) {
		problems = append(problems, fmt.Sprintf("presencePenalty %.3f out of range [-2,2]", *p.PresencePenalty))
	}
	return len(problems) == 0, problems
}

func inRange(v float64, r [2]float64) bool { return v >= r[0] && v <= r[1] }

// ValidateRequest checks the structural invariants a ChatRequest must
// satisfy before entering the middleware stack: at least one message,
// every message individually valid, and a requestId/timestamp present.
func ValidateRequest(req ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("request must contain at least one message")
	}
	for i, m := range req.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	if req.Metadata.RequestID == "" {
		return fmt.Errorf("request metadata.requestId is required")
	}
	if req.Metadata.Timestamp.IsZero() {
		return fmt.Errorf("request metadata.timestamp is required")
	}
	if ok, problems := AreParametersValid(req.Parameters); !ok {
		return fmt.Errorf("invalid parameters: %v", problems)
	}
	return nil
}
