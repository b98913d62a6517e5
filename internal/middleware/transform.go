package middleware

import (
	"github.com/nolanh/llmfabric/internal/ir"
)

// TransformConfig applies asynchronous transformers in the fixed order
// from spec.md §4.4: messages → request → response. Any returned error
// aborts before calling next.
type TransformConfig struct {
	Messages func(ctx *Context, messages []ir.Message) ([]ir.Message, error)
	Request  func(ctx *Context, req ir.ChatRequest) (ir.ChatRequest, error)
	Response func(ctx *Context, resp ir.ChatResponse) (ir.ChatResponse, error)
}

// Transform returns a unary middleware applying TransformConfig's three
// hooks in order.
func Transform(cfg TransformConfig) UnaryMiddleware {
	return func(ctx *Context, next UnaryHandler) (ir.ChatResponse, error) {
		req := ctx.Request

		if cfg.Messages != nil {
			msgs, err := cfg.Messages(ctx, req.Messages)
			if err != nil {
				return ir.ChatResponse{}, err
			}
			req.Messages = msgs
		}

		if cfg.Request != nil {
			r, err := cfg.Request(ctx, req)
			if err != nil {
				return ir.ChatResponse{}, err
			}
			req = r
		}

		ctx.Request = req
		resp, err := next(ctx)
		if err != nil {
			return ir.ChatResponse{}, err
		}

		if cfg.Response != nil {
			resp, err = cfg.Response(ctx, resp)
			if err != nil {
				return ir.ChatResponse{}, err
			}
		}

		return resp, nil
	}
}
