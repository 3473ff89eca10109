package llm

import (
	"context"
	"fmt"
)

// EchoBackend completes a prompt by appending a numbered stub body. It never
// leaves the process and is used for dry runs.
type EchoBackend struct{}

func (EchoBackend) Complete(ctx context.Context, req Request) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, req.N)
	for i := range out {
		out[i] = fmt.Sprintf("%s\n    return %d\n", req.Prompt, i)
	}
	return out, nil
}
