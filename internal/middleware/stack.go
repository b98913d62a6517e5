package middleware

import (
	"fmt"
	"sync"

	"github.com/nolanh/llmfabric/internal/ir"
)

// Stack holds the unary and streaming middleware registries together,
// locked as one unit (spec.md §4.4: "Two middleware registries live in
// the stack ... locked together"). It is mutable until its first
// execution (Execute or ExecuteStream), at which point Use/Remove/Clear
// on either registry become a fatal configuration error — mirrored here
// as a panic, matching the "throws" wording of spec.md §8 property 7.
type Stack struct {
	mu      sync.Mutex
	unary   []namedUnary
	stream  []namedStream
	locked  bool
}

type namedUnary struct {
	name string
	mw   UnaryMiddleware
}

type namedStream struct {
	name string
	mw   StreamMiddleware
}

// New returns an empty, unlocked Stack.
func New() *Stack {
	return &Stack{}
}

func (s *Stack) checkUnlocked(op string) {
	if s.locked {
		panic(fmt.Sprintf("middleware.Stack: %s after lock is a fatal configuration error", op))
	}
}

// Use registers a unary middleware. First added runs outermost.
func (s *Stack) Use(name string, mw UnaryMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkUnlocked("use")
	s.unary = append(s.unary, namedUnary{name, mw})
}

// UseStream registers a streaming middleware. First added runs outermost.
func (s *Stack) UseStream(name string, mw StreamMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkUnlocked("use")
	s.stream = append(s.stream, namedStream{name, mw})
}

// Remove drops the first unary and streaming middleware registered under
// name.
func (s *Stack) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkUnlocked("remove")
	for i, nu := range s.unary {
		if nu.name == name {
			s.unary = append(s.unary[:i], s.unary[i+1:]...)
			break
		}
	}
	for i, ns := range s.stream {
		if ns.name == name {
			s.stream = append(s.stream[:i], s.stream[i+1:]...)
			break
		}
	}
}

// Clear removes every registered middleware.
func (s *Stack) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkUnlocked("clear")
	s.unary = nil
	s.stream = nil
}

// IsLocked reports whether the stack has executed at least once.
func (s *Stack) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

func (s *Stack) lock() {
	s.mu.Lock()
	s.locked = true
	s.mu.Unlock()
}

// Execute runs the unary pipeline around handler, in onion order: first
// added is outermost (spec.md §4.4 pseudocode). The stack locks on this
// call, before handler even runs.
func (s *Stack) Execute(ctx *Context, handler UnaryHandler) (ir.ChatResponse, error) {
	s.lock()

	chain := handler
	for i := len(s.unary) - 1; i >= 0; i-- {
		mw := s.unary[i].mw
		next := chain
		chain = func(c *Context) (resp ir.ChatResponse, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = wrapMiddlewareErr(fmt.Errorf("panic: %v", r))
				}
			}()
			resp, err = mw(c, next)
			err = wrapMiddlewareErr(err)
			return
		}
	}
	return chain(ctx)
}

// ExecuteStream runs the streaming pipeline around handler, same onion
// order as Execute. The stack locks on this call too — unary and
// streaming registries share one lock flag.
func (s *Stack) ExecuteStream(ctx *Context, handler StreamHandler) (<-chan ir.StreamChunk, error) {
	s.lock()

	chain := handler
	for i := len(s.stream) - 1; i >= 0; i-- {
		mw := s.stream[i].mw
		next := chain
		chain = func(c *Context) (stream <-chan ir.StreamChunk, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = wrapMiddlewareErr(fmt.Errorf("panic: %v", r))
				}
			}()
			stream, err = mw(c, next)
			err = wrapMiddlewareErr(err)
			return
		}
	}
	return chain(ctx)
}
