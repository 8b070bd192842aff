package workqueue

import "errors"

// ErrWaitIdleTimeout is returned by WaitIdle when the polling deadline
// passes without observing two successive idle polls.
var ErrWaitIdleTimeout = errors.New("workqueue: timed out waiting for idle")
