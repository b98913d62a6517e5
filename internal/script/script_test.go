package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pickHealthiestLowestLatency = `
function select_backend(candidates)
  local best = nil
  for _, c in ipairs(candidates) do
    if c.healthy then
      if best == nil or c.avg_latency_ms < best.avg_latency_ms then
        best = c
      end
    end
  end
  if best == nil then
    return ""
  end
  return best.name
end
`

func TestSelectionScriptPicksHealthiestLowestLatency(t *testing.T) {
	s, err := LoadSelectionScript(pickHealthiestLowestLatency)
	require.NoError(t, err)

	name, err := s.Select([]BackendCandidate{
		{Name: "anthropic", Healthy: true, AvgLatencyMs: 400},
		{Name: "google", Healthy: true, AvgLatencyMs: 150},
		{Name: "openai", Healthy: false, AvgLatencyMs: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, "google", name)
}

func TestLoadSelectionScriptRejectsSyntaxError(t *testing.T) {
	_, err := LoadSelectionScript("function select_backend(")
	assert.Error(t, err)
}

func TestSelectMissingFunctionErrors(t *testing.T) {
	s, err := LoadSelectionScript("x = 1")
	require.NoError(t, err)
	_, err = s.Select(nil)
	assert.Error(t, err)
}

func TestSelectReturnsEmptyWhenNoHealthyCandidate(t *testing.T) {
	s, err := LoadSelectionScript(pickHealthiestLowestLatency)
	require.NoError(t, err)
	name, err := s.Select([]BackendCandidate{{Name: "x", Healthy: false}})
	require.NoError(t, err)
	assert.Equal(t, "", name)
}
