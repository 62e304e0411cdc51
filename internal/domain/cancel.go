package domain

import (
	"sync"
	"time"
)

// CancelReason says why a token fired.
type CancelReason string

const (
	CancelReasonDeadline   CancelReason = "deadline"
	CancelReasonForced     CancelReason = "forced"
	CancelReasonUser       CancelReason = "user"
	CancelReasonSuperseded CancelReason = "superseded"
)

// CancelToken is a one-shot cancellation signal shared by everything
// working on a single job attempt. It fires at most once, from the armed
// deadline timer or from an explicit CancelNow, whichever comes first.
type CancelToken struct {
	mu        sync.Mutex
	fired     bool
	reason    CancelReason
	timer     *time.Timer
	callbacks []func(CancelReason)
	done      chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Arm schedules the token to fire at deadline. Arming twice or after the
// token fired is a no-op. A deadline already in the past fires
// immediately.
func (t *CancelToken) Arm(deadline time.Time) {
	t.mu.Lock()
	if t.fired || t.timer != nil {
		t.mu.Unlock()
		return
	}
	d := time.Until(deadline)
	if d <= 0 {
		t.mu.Unlock()
		t.fire(CancelReasonDeadline)
		return
	}
	t.timer = time.AfterFunc(d, func() { t.fire(CancelReasonDeadline) })
	t.mu.Unlock()
}

// CancelNow fires the token immediately with the given reason.
func (t *CancelToken) CancelNow(reason CancelReason) {
	t.fire(reason)
}

// Cancelled reports whether the token has fired.
func (t *CancelToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Reason returns the firing reason, or "" while the token is live.
func (t *CancelToken) Reason() CancelReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel closed when the token fires.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// OnCancel registers fn to run when the token fires. Callbacks run at
// most once, in registration order, off the firing goroutine. If the
// token already fired, fn runs right away (also async).
func (t *CancelToken) OnCancel(fn func(CancelReason)) {
	t.mu.Lock()
	if t.fired {
		reason := t.reason
		t.mu.Unlock()
		go fn(reason)
		return
	}
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

// Release stops the deadline timer without firing. Call it once the
// attempt finishes cleanly.
func (t *CancelToken) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *CancelToken) fire(reason CancelReason) {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.reason = reason
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	cbs := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	go func() {
		for _, cb := range cbs {
			cb(reason)
		}
	}()
}
