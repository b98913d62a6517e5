package ir

// SystemMessageStrategy selects how an adapter wants system-role messages
// re-projected (spec.md §4.2).
type SystemMessageStrategy string

const (
	SystemSeparateParameter SystemMessageStrategy = "separate-parameter"
	SystemInMessages        SystemMessageStrategy = "in-messages"
	SystemPrependUser       SystemMessageStrategy = "prepend-user"
	SystemNotSupported      SystemMessageStrategy = "not-supported"
)

// ParameterSupport flags which scalar parameters an adapter accepts.
type ParameterSupport struct {
	Temperature      bool
	MaxTokens        bool
	TopP             bool
	TopK             bool
	FrequencyPenalty bool
	PresencePenalty  bool
	StopSequences    bool
	Seed             bool
}

// Capabilities describes what a frontend or backend adapter can handle.
// The normalizer and router both read this to decide what must be
// clamped, filtered, or substituted.
type Capabilities struct {
	Streaming  bool
	MultiModal bool
	Tools      bool
	JSON       bool // structured-output / response-format support
	Seed       bool
	Parameters ParameterSupport

	MaxContextTokens int
	SupportedModels  []string

	SystemMessageStrategy        SystemMessageStrategy
	SupportsMultipleSystemMessages bool
	MaxStopSequences              int

	// TemperatureRange is the backend's native temperature range; the
	// canonical IR range is always [0,2] (spec.md §3). A backend whose
	// range differs (e.g. [0,1]) must be scaled at the fromIR boundary.
	TemperatureRange [2]float64
}

// SupportsModel reports whether name is in SupportedModels. An empty
// SupportedModels list means "no static restriction" (e.g. a passthrough
// adapter) and always returns true.
func (c Capabilities) SupportsModel(name string) bool {
	if len(c.SupportedModels) == 0 {
		return true
	}
	for _, m := range c.SupportedModels {
		if m == name {
			return true
		}
	}
	return false
}
