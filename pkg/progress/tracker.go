package progress

import (
	"context"
	"fmt"
	"sync"
)

// Tracker reports progress for one token in steps. It keeps only a step counter; every call
// is forwarded to its Notifier. A Tracker with an empty token, or a nil Tracker, does nothing.
type Tracker struct {
	notifier *Notifier
	token    Token

	mu      sync.Mutex
	current int
}

// Token returns the token the tracker reports for.
func (t *Tracker) Token() Token {
	if t == nil {
		return ""
	}
	return t.token
}

// Start begins the operation with totalSteps as its total.
func (t *Tracker) Start(totalSteps int, message string) {
	if t.disabled() {
		return
	}
	t.mu.Lock()
	t.current = 0
	t.mu.Unlock()

	total := DefaultTotal
	if totalSteps > 0 {
		total = float64(totalSteps)
	}
	t.notifier.start(t.token, total, message)
}

// Step advances the operation by one step.
func (t *Tracker) Step(message string) {
	if t.disabled() {
		return
	}
	t.mu.Lock()
	t.current++
	current := t.current
	t.mu.Unlock()

	t.notifier.UpdateProgress(t.token, float64(current), messageOption(message)...)
}

// SetProgress reports an absolute progress value in steps.
func (t *Tracker) SetProgress(value int, message string) {
	if t.disabled() {
		return
	}
	t.mu.Lock()
	t.current = value
	t.mu.Unlock()

	t.notifier.UpdateProgress(t.token, float64(value), messageOption(message)...)
}

// SetPercentage reports progress as a percentage of 100.
func (t *Tracker) SetPercentage(percent float64, message string) {
	if t.disabled() {
		return
	}
	t.notifier.UpdateProgress(t.token, percent, append(messageOption(message), WithTotal(DefaultTotal))...)
}

// Complete reports the operation as done.
func (t *Tracker) Complete(message string) {
	if t.disabled() {
		return
	}
	t.notifier.CompleteOperation(t.token, message)
}

// Fail reports the operation as failed with err as the message.
func (t *Tracker) Fail(err error) {
	if t.disabled() {
		return
	}
	msg := "operation failed"
	if err != nil {
		msg = err.Error()
	}
	t.notifier.FailOperation(t.token, msg)
}

func (t *Tracker) disabled() bool {
	return t == nil || t.notifier == nil || t.token == ""
}

func messageOption(message string) []UpdateOption {
	if message == "" {
		return nil
	}
	return []UpdateOption{WithMessage(message)}
}

// Run starts an operation for token, runs op with a Tracker for it, and completes or fails
// the operation depending on the result. A panic in op fails the operation before it
// propagates.
func Run(
	ctx context.Context,
	n *Notifier,
	token Token,
	message string,
	op func(ctx context.Context, t *Tracker) error,
) error {
	_, err := RunValue(ctx, n, token, message, func(ctx context.Context, t *Tracker) (struct{}, error) {
		return struct{}{}, op(ctx, t)
	})
	return err
}

// RunValue is Run for operations that produce a value.
func RunValue[T any](
	ctx context.Context,
	n *Notifier,
	token Token,
	message string,
	op func(ctx context.Context, t *Tracker) (T, error),
) (result T, err error) {
	t := n.CreateTracker(token)
	if !t.disabled() {
		n.StartOperation(token, message)
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fail(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	result, err = op(ctx, t)
	if err != nil {
		t.Fail(err)
		return result, err
	}
	t.Complete("")
	return result, nil
}
