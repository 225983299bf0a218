package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/yndnr/offstore/internal/core/domain"
)

// fanOut calls fn once for every index in [0, n) concurrently and waits
// until every call has returned. The error of call i is stored at errs[i].
//
// Calls are detached from ctx cancellation: once a batch is issued every
// sub-operation runs to completion. limit bounds the number of calls in
// flight; 0 means unbounded.
//
// Each invocation owns its own join state, so concurrent or sequential
// batches never share a completion signal.
func fanOut(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}

	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			errs[i] = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait() // sub-operations report through errs

	return errs
}

// keyError ties a sub-operation failure to the key it concerned.
type keyError struct {
	Key uint64
	Err error
}

func (e *keyError) Error() string { return fmt.Sprintf("key %d: %v", e.Key, e.Err) }
func (e *keyError) Unwrap() error { return e.Err }

// indexError ties an add failure to the position of the value in the batch.
type indexError struct {
	Index int
	Err   error
}

func (e *indexError) Error() string { return fmt.Sprintf("value #%d: %v", e.Index, e.Err) }
func (e *indexError) Unwrap() error { return e.Err }

// aggregateAdd folds the per-value errors of an add batch into a single
// storage error. Returns nil when every write succeeded.
func aggregateAdd(store string, errs []error) error {
	var merr *multierror.Error
	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		merr = multierror.Append(merr, &indexError{Index: i, Err: err})
	}
	if merr == nil {
		return nil
	}
	return domain.ErrStorageFailure.
		WithStore(store).
		WithDetails(fmt.Sprintf("%d of %d writes failed, completed writes were kept", failed, len(errs))).
		WithCause(merr.ErrorOrNil())
}

// aggregateKeyed folds per-key errors of a get or remove batch into a
// single storage error.
//
// When every failure is an absent record the result is KEY_NOT_FOUND
// naming all missing keys. Any other failure makes the result a
// STORAGE_FAILURE naming every failed key; missing keys then appear in
// its cause.
func aggregateKeyed(store string, keys []uint64, errs []error) error {
	var (
		merr    *multierror.Error
		missing []uint64
		failed  []uint64
	)
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed = append(failed, keys[i])
		if errors.Is(err, ErrKeyNotFound) {
			missing = append(missing, keys[i])
		}
		merr = multierror.Append(merr, &keyError{Key: keys[i], Err: err})
	}

	switch {
	case merr == nil:
		return nil
	case len(missing) == len(failed):
		return domain.ErrKeyNotFound.WithStore(store).WithKeys(missing...)
	default:
		return domain.ErrStorageFailure.WithStore(store).WithKeys(failed...).WithCause(merr.ErrorOrNil())
	}
}

// serialCallback wraps fn so that concurrent callers invoke it one at a
// time, in the order they arrive.
func serialCallback(fn func(uint64)) func(uint64) {
	if fn == nil {
		return func(uint64) {}
	}
	var mu sync.Mutex
	return func(key uint64) {
		mu.Lock()
		defer mu.Unlock()
		fn(key)
	}
}
