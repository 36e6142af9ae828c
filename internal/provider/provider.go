package provider

import (
	"context"
	"encoding/json"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/model"
)

// Invoker performs one remote call for one request payload. It is the only
// capability the engine needs from the transport layer.
//
// Implementations must honour ctx for the call deadline and return errors
// that model.ClassifyError can place in a class.
type Invoker interface {
	Invoke(ctx context.Context, payload json.RawMessage, api config.APIConfig) (*Outcome, error)
}

// Outcome is a successful remote call.
type Outcome struct {
	Content string
	Body    json.RawMessage
	Usage   model.Usage
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(ctx context.Context, payload json.RawMessage, api config.APIConfig) (*Outcome, error)

func (f InvokerFunc) Invoke(ctx context.Context, payload json.RawMessage, api config.APIConfig) (*Outcome, error) {
	return f(ctx, payload, api)
}
