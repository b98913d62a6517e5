// Package script lets the router's "custom" selection strategy (spec.md
// §4.6) be supplied as a Lua script instead of a compiled Go function; the
// custom fallback strategy has no script form. gopher-lua is a pure-Go Lua VM — no cgo, matching the
// rest of this module.
package script

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// BackendCandidate is the data a selection script sees for one candidate
// backend — a deliberately narrow projection of router state, not the
// full BackendInfo, so scripts can't mutate router internals.
type BackendCandidate struct {
	Name          string
	Healthy       bool
	AvgLatencyMs  float64
	SuccessRate   float64
	CostPerToken  float64
}

// SelectionScript holds Lua source defining a global
// `select_backend(candidates) -> name` function. The source is
// syntax-checked once at load and executed afresh on every Select.
type SelectionScript struct {
	source string
}

// LoadSelectionScript parses (but does not yet run) source, failing fast
// on syntax errors so a bad script is caught at router-construction time.
func LoadSelectionScript(source string) (*SelectionScript, error) {
	if _, err := lparse(source); err != nil {
		return nil, fmt.Errorf("script: parse select_backend script: %w", err)
	}
	return &SelectionScript{source: source}, nil
}

func lparse(source string) (*lua.FunctionProto, error) {
	L := lua.NewState()
	defer L.Close()
	chunk, err := L.LoadString(source)
	if err != nil {
		return nil, err
	}
	return chunk.Proto, nil
}

// Select runs the script's select_backend(candidates) function and
// returns the chosen backend name. Each invocation gets a fresh
// *lua.LState — gopher-lua states are not safe for concurrent use, and
// router selection happens from many goroutines at once.
func (s *SelectionScript) Select(candidates []BackendCandidate) (string, error) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(s.source); err != nil {
		return "", fmt.Errorf("script: load select_backend script: %w", err)
	}

	fn := L.GetGlobal("select_backend")
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("script: select_backend is not defined as a function")
	}

	tbl := L.NewTable()
	for i, c := range candidates {
		row := L.NewTable()
		row.RawSetString("name", lua.LString(c.Name))
		row.RawSetString("healthy", lua.LBool(c.Healthy))
		row.RawSetString("avg_latency_ms", lua.LNumber(c.AvgLatencyMs))
		row.RawSetString("success_rate", lua.LNumber(c.SuccessRate))
		row.RawSetString("cost_per_token", lua.LNumber(c.CostPerToken))
		tbl.RawSetInt(i+1, row)
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, tbl); err != nil {
		return "", fmt.Errorf("script: select_backend call failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	name, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("script: select_backend must return a string backend name, got %s", ret.Type())
	}
	return string(name), nil
}
