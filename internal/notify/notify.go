// Package notify fans one notification out to many destinations.
package notify

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one destination.
type Result struct {
	Target string
	Err    error
}

// Each runs fn for every target concurrently and waits for all of them.
// A failing or panicking target never cancels or fails its siblings. Results
// are returned in target order. limit bounds concurrency; zero or negative
// means unbounded.
func Each(ctx context.Context, targets []string, limit int, fn func(ctx context.Context, target string) error) []Result {
	results := make([]Result, len(targets))

	// No WithContext: a sibling's failure must not cancel the others.
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = Result{Target: target, Err: call(ctx, target, fn)}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func call(ctx context.Context, target string, fn func(context.Context, string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, target)
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
