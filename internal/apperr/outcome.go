package apperr

import (
	"errors"
	"fmt"
)

// Failure records one item that a best-effort loop could not process.
type Failure[T any] struct {
	Item T
	Err  error
}

// Outcomes is the result of a best-effort loop: every item was attempted.
type Outcomes[T any] struct {
	Succeeded []T
	Failed    []Failure[T]
}

// OK reports whether every item succeeded.
func (o Outcomes[T]) OK() bool { return len(o.Failed) == 0 }

// Err joins the per-item failures, or returns nil.
func (o Outcomes[T]) Err() error {
	if len(o.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(o.Failed))
	for _, f := range o.Failed {
		errs = append(errs, fmt.Errorf("%v: %w", f.Item, f.Err))
	}
	return errors.Join(errs...)
}

// ForEach calls fn for every item and keeps going when fn fails.
func ForEach[T any](items []T, fn func(T) error) Outcomes[T] {
	var out Outcomes[T]
	for _, item := range items {
		if err := fn(item); err != nil {
			out.Failed = append(out.Failed, Failure[T]{Item: item, Err: err})
			continue
		}
		out.Succeeded = append(out.Succeeded, item)
	}
	return out
}
