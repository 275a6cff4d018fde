package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrAborted = errors.New("worker group aborted")

// Group runs a fixed number of in-process workers that exchange gradients
// and tensors through a shared rendezvous. Every collective call must be
// made by all workers in the same order.
type Group struct {
	size int

	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation int
	slots      []any
	result     []any
	err        error
}

func NewGroup(size int) *Group {
	if size < 1 {
		size = 1
	}

	g := &Group{size: size, slots: make([]any, size)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *Group) Size() int {
	return g.size
}

// Worker returns the Accelerator for rank.
func (g *Group) Worker(rank int) Accelerator {
	return &worker{group: g, rank: rank}
}

// Abort fails every pending and future collective call with err.
func (g *Group) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = fmt.Errorf("%w: %w", ErrAborted, err)
	}
	g.cond.Broadcast()
}

// Run calls fn once per rank on its own goroutine and returns the first
// error. A failing worker aborts the group so the others do not wait on it.
func (g *Group) Run(ctx context.Context, fn func(context.Context, Accelerator) error) error {
	stop := context.AfterFunc(ctx, func() { g.Abort(context.Cause(ctx)) })
	defer stop()

	eg, gctx := errgroup.WithContext(ctx)
	for rank := range g.size {
		eg.Go(func() error {
			if err := fn(gctx, g.Worker(rank)); err != nil {
				g.Abort(err)
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}

	return eg.Wait()
}

// exchange deposits v for rank and returns the values of all ranks once
// every worker has arrived. The returned slice must not be modified.
func (g *Group) exchange(ctx context.Context, rank int, v any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}

	gen := g.generation
	g.slots[rank] = v
	g.arrived++
	if g.arrived == g.size {
		g.result = g.slots
		g.slots = make([]any, g.size)
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
		return g.result, nil
	}

	for gen == g.generation && g.err == nil {
		g.cond.Wait()
	}

	if gen == g.generation {
		return nil, g.err
	}

	return g.result, nil
}

type worker struct {
	group *Group
	rank  int
}

func (w *worker) Rank() int           { return w.rank }
func (w *worker) WorldSize() int      { return w.group.size }
func (w *worker) IsCoordinator() bool { return w.rank == 0 }

func (w *worker) Prepare(ctx context.Context, params []*Parameter) error {
	var mine []*Tensor
	if w.IsCoordinator() {
		for _, p := range params {
			mine = append(mine, p.Value.Clone())
		}
	}

	vs, err := w.group.exchange(ctx, w.rank, mine)
	if err != nil {
		return err
	}

	if w.IsCoordinator() {
		return nil
	}

	weights := vs[0].([]*Tensor)
	if len(weights) != len(params) {
		return fmt.Errorf("%w: coordinator has %d parameters, rank %d has %d", ErrShapeMismatch, len(weights), w.rank, len(params))
	}

	for i, p := range params {
		if err := p.Value.CopyFrom(weights[i]); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}

	return nil
}

func (w *worker) Backward(ctx context.Context, params []*Parameter, grad Gradient, dout *Tensor, sync bool) error {
	if err := grad(dout); err != nil {
		return err
	}

	if !sync || w.group.size == 1 {
		return nil
	}

	mine := make([][]float64, len(params))
	for i, p := range params {
		mine[i] = append([]float64(nil), p.Grad.Data...)
	}

	vs, err := w.group.exchange(ctx, w.rank, mine)
	if err != nil {
		return err
	}

	n := float64(len(vs))
	for i, p := range params {
		p.Grad.Zero()
		for _, v := range vs {
			grads := v.([][]float64)
			for j, g := range grads[i] {
				p.Grad.Data[j] += g
			}
		}
		p.Grad.Scale(1 / n)
	}

	return nil
}

func (w *worker) Synchronize(ctx context.Context) error {
	_, err := w.group.exchange(ctx, w.rank, nil)
	return err
}

func (w *worker) Gather(ctx context.Context, t *Tensor) (*Tensor, error) {
	vs, err := w.group.exchange(ctx, w.rank, t.Clone())
	if err != nil {
		return nil, err
	}

	ts := make([]*Tensor, len(vs))
	for i, v := range vs {
		ts[i] = v.(*Tensor)
	}

	return Concat(ts...)
}
