// Package ratelimit provides a simple packets-per-second rate limiter.
package ratelimit

import "time"

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerPacket int64
	packetsSent uint64
	startTime   time.Time
	checkEvery  uint64
	nextCheck   uint64

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	// Check time every ~10ms of packets to balance accuracy vs overhead
	// At least every 32 packets. At most every 1024 packets.
	checkEvery := min(max(pps/100, 32), 1024)
	return &Throttle{
		nsPerPacket: int64(time.Second) / int64(pps),
		startTime:   time.Now(),
		checkEvery:  checkEvery,
		nextCheck:   checkEvery,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// ThrottleN blocks until n more packets are allowed. Bursts crossing a
// check point are checked even when n is not a multiple of the check
// interval.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.packetsSent += n
	if l.packetsSent < l.nextCheck {
		return // Fast path: only check time periodically.
	}
	l.nextCheck = l.packetsSent + l.checkEvery

	// Slow path: check if we need to sleep
	expectedTime := l.startTime.Add(time.Duration(int64(l.packetsSent) * l.nsPerPacket))

	if now := l.now(); now.Before(expectedTime) {
		l.sleep(expectedTime.Sub(now))
	}
	// If behind schedule, naturally catch up by not sleeping
}

// Sent returns the number of packets accounted so far.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.packetsSent
}
