package mqtt311

import (
	"sync"
)

// FlowController bounds the number of QoS 1/2 publishes that may be awaiting
// acknowledgment at once. A maximum of zero means unlimited.
type FlowController struct {
	mu       sync.Mutex
	maximum  int
	inFlight int
}

// NewFlowController creates a flow controller with the given maximum.
func NewFlowController(maximum int) *FlowController {
	if maximum < 0 {
		maximum = 0
	}
	return &FlowController{
		maximum: maximum,
	}
}

// Maximum returns the configured maximum (0 = unlimited).
func (f *FlowController) Maximum() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maximum
}

// SetMaximum updates the maximum. Slots already held are not revoked.
func (f *FlowController) SetMaximum(maximum int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maximum < 0 {
		maximum = 0
	}
	f.maximum = maximum
}

// Available returns the number of free slots, or -1 when unlimited.
func (f *FlowController) Available() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maximum == 0 {
		return -1
	}
	if f.inFlight >= f.maximum {
		return 0
	}
	return f.maximum - f.inFlight
}

// InFlight returns the current number of held slots.
func (f *FlowController) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// CanSend returns true if a slot is free.
func (f *FlowController) CanSend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maximum == 0 || f.inFlight < f.maximum
}

// TryAcquire takes a slot if one is free.
func (f *FlowController) TryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.maximum != 0 && f.inFlight >= f.maximum {
		return false
	}
	f.inFlight++
	return true
}

// Release frees a slot when an exchange completes.
func (f *FlowController) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight > 0 {
		f.inFlight--
	}
}

// Reset releases every slot.
func (f *FlowController) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = 0
}
