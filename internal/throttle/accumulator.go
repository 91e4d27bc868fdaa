package throttle

import (
	"sync"

	"firestige.xyz/cv2x/internal/core"
)

// Accumulator applies adjustment deltas to a filter rate in arrival order.
// The rate never drops below zero.
type Accumulator struct {
	mu      sync.Mutex
	rate    int
	applied int
	status  core.ServiceStatus
}

// NewAccumulator starts the rate at initial, clamped to zero.
func NewAccumulator(initial int) *Accumulator {
	return &Accumulator{rate: max(initial, 0)}
}

// OnFilterRateAdjustment adds delta to the rate.
func (a *Accumulator) OnFilterRateAdjustment(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rate = max(a.rate+delta, 0)
	a.applied++
}

// OnServiceStatusChange records s.
func (a *Accumulator) OnServiceStatusChange(s core.ServiceStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Rate returns the current filter rate.
func (a *Accumulator) Rate() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate
}

// Applied returns how many adjustments have been applied.
func (a *Accumulator) Applied() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// Status returns the last service status seen.
func (a *Accumulator) Status() core.ServiceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}
