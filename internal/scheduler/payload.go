package scheduler

import "context"

// Runnable is the capability a decoded task payload may expose. The
// default executor (runOneTaskDefault) invokes it; a payload that
// doesn't implement it fails with UnsupportedTaskError.
type Runnable interface {
	// Run executes the task. true means success; false means "requeue
	// me" (markRequeue); a non-nil error means permanent failure
	// (markFailure).
	//
	// abortRequested is polled cooperatively - the executor should
	// check it periodically during long-running work and return
	// promptly when it reports true. There is no preemption.
	Run(ctx context.Context, abortRequested func() bool) (bool, error)
}

// LegacyPlaceholder stands in for a payload blob that failed to
// decode. It carries the original bytes verbatim so they are never
// lost, and is never executed. No code in this module constructs one:
// the worker marks a task whose payload fails to decode as failed
// directly, with a decode-failure reason, and Cursors return the raw
// payload bytes without decoding them.
type LegacyPlaceholder struct {
	// OriginalBlob is the exact bytes that failed to decode.
	OriginalBlob []byte
	// DecodeErr is the error the codec returned, for the failure
	// reason and event log.
	DecodeErr error
}

// Run always fails; a LegacyPlaceholder is never runnable. Present only
// so *LegacyPlaceholder satisfies other optional interfaces embedders
// may probe for without a type switch.
func (p *LegacyPlaceholder) Run(ctx context.Context, abortRequested func() bool) (bool, error) {
	return false, p.DecodeErr
}
