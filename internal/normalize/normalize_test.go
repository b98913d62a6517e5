package normalize

import (
	"testing"

	"github.com/nolanh/llmfabric/internal/ir"
	"github.com/nolanh/llmfabric/internal/warnings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }
func n(v int) *int         { return &v }

func TestParametersScaleClampFilterTruncateDefault(t *testing.T) {
	caps := ir.Capabilities{
		TemperatureRange: [2]float64{0, 1},
		Parameters: ir.ParameterSupport{
			Temperature: true, MaxTokens: true, TopP: false, StopSequences: true,
		},
		MaxStopSequences: 1,
	}
	in := ir.Parameters{
		Temperature:   f(2.0), // max of canonical range -> scales to 1.0 native
		TopP:          f(0.5), // unsupported, filtered
		StopSequences: []string{"a", "b", "c"},
	}
	out, ws := Parameters(in, caps, ParameterDefaults{MaxTokens: n(256)})

	require.NotNil(t, out.Temperature)
	assert.InDelta(t, 1.0, *out.Temperature, 1e-9)
	assert.Nil(t, out.TopP)
	assert.Equal(t, []string{"a"}, out.StopSequences)
	require.NotNil(t, out.MaxTokens)
	assert.Equal(t, 256, *out.MaxTokens)

	var cats []warnings.Category
	for _, w := range ws {
		cats = append(cats, w.Category)
	}
	assert.Contains(t, cats, warnings.CategoryParameterNormalized)
	assert.Contains(t, cats, warnings.CategoryParameterUnsupported)
	assert.Contains(t, cats, warnings.CategoryStopSequencesTruncated)
}

func TestParametersClampOutOfRange(t *testing.T) {
	caps := ir.Capabilities{Parameters: ir.ParameterSupport{Temperature: true}}
	in := ir.Parameters{Temperature: f(5.0)}
	out, ws := Parameters(in, caps, ParameterDefaults{})
	require.NotNil(t, out.Temperature)
	assert.Equal(t, 2.0, *out.Temperature)
	require.Len(t, ws, 1)
	assert.Equal(t, warnings.CategoryParameterClamped, ws[0].Category)
}

func TestParametersDefaultsNeverOverwrite(t *testing.T) {
	caps := ir.Capabilities{Parameters: ir.ParameterSupport{Temperature: true}}
	in := ir.Parameters{Temperature: f(0.3)}
	out, _ := Parameters(in, caps, ParameterDefaults{Temperature: f(0.9)})
	assert.InDelta(t, 0.3, *out.Temperature, 1e-9)
}

// TestSystemMessagesPrependUser reproduces S6 from spec.md §8.
func TestSystemMessagesPrependUser(t *testing.T) {
	caps := ir.Capabilities{SystemMessageStrategy: ir.SystemPrependUser}
	messages := []ir.Message{
		{Role: ir.RoleSystem, Content: ir.TextContent("Be brief")},
		{Role: ir.RoleUser, Content: ir.TextContent("Hi")},
	}
	res := SystemMessages(messages, caps)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, ir.RoleUser, res.Messages[0].Role)
	assert.Equal(t, "Be brief\n\nHi", *res.Messages[0].Content.Text)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, warnings.CategorySystemMessageTransformed, res.Warnings[0].Category)
}

func TestSystemMessagesSeparateParameter(t *testing.T) {
	caps := ir.Capabilities{SystemMessageStrategy: ir.SystemSeparateParameter, SupportsMultipleSystemMessages: true}
	messages := []ir.Message{
		{Role: ir.RoleSystem, Content: ir.TextContent("A")},
		{Role: ir.RoleSystem, Content: ir.TextContent("B")},
		{Role: ir.RoleUser, Content: ir.TextContent("hi")},
	}
	res := SystemMessages(messages, caps)
	assert.Equal(t, "A\n\nB", res.SystemParameter)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, ir.RoleUser, res.Messages[0].Role)
}

func TestSystemMessagesSeparateParameterSingleOnly(t *testing.T) {
	caps := ir.Capabilities{SystemMessageStrategy: ir.SystemSeparateParameter, SupportsMultipleSystemMessages: false}
	messages := []ir.Message{
		{Role: ir.RoleSystem, Content: ir.TextContent("A")},
		{Role: ir.RoleSystem, Content: ir.TextContent("B")},
	}
	res := SystemMessages(messages, caps)
	assert.Equal(t, "A", res.SystemParameter)
}

func TestSystemMessagesNotSupported(t *testing.T) {
	caps := ir.Capabilities{SystemMessageStrategy: ir.SystemNotSupported}
	messages := []ir.Message{
		{Role: ir.RoleSystem, Content: ir.TextContent("A")},
		{Role: ir.RoleUser, Content: ir.TextContent("hi")},
	}
	res := SystemMessages(messages, caps)
	require.Len(t, res.Messages, 1)
	require.Len(t, res.Warnings, 1)
}

func TestSystemMessagesInMessagesCollapse(t *testing.T) {
	caps := ir.Capabilities{SystemMessageStrategy: ir.SystemInMessages, SupportsMultipleSystemMessages: false}
	messages := []ir.Message{
		{Role: ir.RoleSystem, Content: ir.TextContent("A")},
		{Role: ir.RoleUser, Content: ir.TextContent("hi")},
		{Role: ir.RoleSystem, Content: ir.TextContent("B")},
	}
	res := SystemMessages(messages, caps)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, ir.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "A\n\nB", *res.Messages[0].Content.Text)
}
