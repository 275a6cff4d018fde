package ml

import (
	"context"
)

// Accelerator is the execution context of one training worker. It decides
// which worker is the coordinator, averages gradients across workers at
// accumulation boundaries and lets workers meet at barriers.
type Accelerator interface {
	Rank() int
	WorldSize() int
	IsCoordinator() bool

	// Prepare makes every worker start from the coordinator's weights.
	Prepare(ctx context.Context, params []*Parameter) error

	// Backward runs grad on dout. When sync is true the accumulated
	// gradients of params are averaged across workers afterwards.
	Backward(ctx context.Context, params []*Parameter, grad Gradient, dout *Tensor, sync bool) error

	// Synchronize blocks until every worker has called it.
	Synchronize(ctx context.Context) error

	// Gather concatenates t from every worker along the batch dimension in
	// rank order.
	Gather(ctx context.Context, t *Tensor) (*Tensor, error)
}

// Local is the single worker Accelerator.
type Local struct{}

func (Local) Rank() int           { return 0 }
func (Local) WorldSize() int      { return 1 }
func (Local) IsCoordinator() bool { return true }

func (Local) Prepare(ctx context.Context, _ []*Parameter) error {
	return ctx.Err()
}

func (Local) Backward(ctx context.Context, _ []*Parameter, grad Gradient, dout *Tensor, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return grad(dout)
}

func (Local) Synchronize(ctx context.Context) error {
	return ctx.Err()
}

func (Local) Gather(ctx context.Context, t *Tensor) (*Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
