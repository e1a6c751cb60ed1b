package planning

import "sync"

// ResumeKind is the human decision on a pending plan.
type ResumeKind string

const (
	ResumeApprove ResumeKind = "approve"
	ResumeEdit    ResumeKind = "edit"
	ResumeCancel  ResumeKind = "cancel"
)

// ResumeBroker carries the in-process resume signal from the request that
// resolves a pending plan to the stream still waiting on it. The pending
// store stays the cross-request source of truth; the broker only lets the
// waiting stream finish promptly instead of running out its timeout.
type ResumeBroker struct {
	mu      sync.Mutex
	waiters map[string]chan ResumeKind
}

// NewResumeBroker returns an empty broker.
func NewResumeBroker() *ResumeBroker {
	return &ResumeBroker{waiters: make(map[string]chan ResumeKind)}
}

// Register creates the wait channel for a request id. The caller must
// Unregister when it stops waiting.
func (b *ResumeBroker) Register(requestID string) <-chan ResumeKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ResumeKind, 1)
	b.waiters[requestID] = ch
	return ch
}

// Unregister drops the wait channel for a request id.
func (b *ResumeBroker) Unregister(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiters, requestID)
}

// Notify delivers the resume decision to a waiting stream, if any. A
// missing waiter is normal: the initial stream may have disconnected.
func (b *ResumeBroker) Notify(requestID string, kind ResumeKind) {
	b.mu.Lock()
	ch, ok := b.waiters[requestID]
	delete(b.waiters, requestID)
	b.mu.Unlock()
	if ok {
		select {
		case ch <- kind:
		default:
		}
	}
}
