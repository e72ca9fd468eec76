package vod

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// acquisitionSemaphore limits concurrent target acquisitions globally across
// all per-channel processing loops. One target at a time by default; the
// segment worker pool already saturates a typical uplink.
var (
	acquisitionSemaphore     chan struct{}
	acquisitionSemaphoreOnce sync.Once
)

func initAcquisitionSemaphore() {
	acquisitionSemaphoreOnce.Do(func() {
		maxConcurrent := 1
		if s := os.Getenv("MAX_CONCURRENT_ACQUISITIONS"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				maxConcurrent = n
			}
		}
		acquisitionSemaphore = make(chan struct{}, maxConcurrent)
		slog.Info("acquisition concurrency limit initialized", slog.Int("max_concurrent", maxConcurrent))
	})
}

// acquireSlot blocks until an acquisition slot is available or the context
// is canceled. Returns false on cancellation.
func acquireSlot(ctx context.Context) bool {
	initAcquisitionSemaphore()
	select {
	case acquisitionSemaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func releaseSlot() {
	initAcquisitionSemaphore()
	select {
	case <-acquisitionSemaphore:
	default:
		slog.Warn("acquisition slot release without corresponding acquire")
	}
}

// ActiveAcquisitions returns how many targets are being acquired right now.
func ActiveAcquisitions() int {
	initAcquisitionSemaphore()
	return len(acquisitionSemaphore)
}

// MaxConcurrentAcquisitions returns the configured limit.
func MaxConcurrentAcquisitions() int {
	initAcquisitionSemaphore()
	return cap(acquisitionSemaphore)
}
