package actor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Future is the pending result of an actor invocation. It settles exactly
// once, either with a value or with an error; later settle calls are ignored.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// NewFuture returns an unsettled future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Failed returns a future already settled with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It reports whether this call settled it.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with err. It reports whether this call settled it.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = v, err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future has settled.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future settles or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Project derives a future from f by applying fn to its value once f settles.
// An error from f propagates unchanged.
func Project[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := NewFuture[U]()
	go func() {
		<-f.done
		if f.err != nil {
			out.Reject(f.err)
			return
		}
		v, err := fn(f.val)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(v)
	}()
	return out
}

// Wait blocks until at least k of futures have settled, successfully or not,
// and returns the indexes of the settled futures in the order they were
// observed. It returns early with ctx.Err() if ctx is done first.
func Wait[T any](ctx context.Context, futures []*Future[T], k int) ([]int, error) {
	if k < 0 || k > len(futures) {
		return nil, fmt.Errorf("wait for %d of %d futures: count out of range", k, len(futures))
	}
	if k == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan int, len(futures))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range futures {
		g.Go(func() error {
			select {
			case <-f.Done():
				ready <- i
			case <-gctx.Done():
			}
			return nil
		})
	}

	resolved := make([]int, 0, k)
	var err error
collect:
	for len(resolved) < k {
		select {
		case i := <-ready:
			resolved = append(resolved, i)
		case <-ctx.Done():
			err = ctx.Err()
			break collect
		}
	}

	cancel()
	_ = g.Wait()
	return resolved, err
}

// WaitAll blocks until every future has settled and returns their values in
// input order. The first error, in input order, is returned wrapped with the
// index of the future that produced it.
func WaitAll[T any](ctx context.Context, futures []*Future[T]) ([]T, error) {
	if _, err := Wait(ctx, futures, len(futures)); err != nil {
		return nil, err
	}
	out := make([]T, len(futures))
	for i, f := range futures {
		v, err := f.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("future %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
