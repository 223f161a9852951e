// Package provider wraps the external reasoning service the ML evaluator
// talks to. The rest of the system only sees the Reasoner interface; raw
// model output is never trusted until validated by the evaluator layer.
package provider

import "context"

type ChatPayload struct {
	System string
	User   string
}

type Reasoner interface {
	ID() string
	Call(ctx context.Context, payload ChatPayload) (string, error)
}
