package docsync

import (
	"sync"
	"time"
)

// backoffDelay is the retry delay before reconnect attempt `attempts`:
// exponential from the base, capped.
func backoffDelay(attempts int, base time.Duration, cap_ time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempts; i += 1 {
		delay *= 2
		if cap_ <= delay {
			return cap_
		}
	}
	return delay
}

// reconnectTimer owns the single pending reconnect for a channel. Scheduling
// replaces any pending attempt; Stop guarantees a canceled callback never
// fires afterward, which is what lets destroy() be terminal.
type reconnectTimer struct {
	mutex sync.Mutex
	timer *time.Timer
}

func (self *reconnectTimer) schedule(delay time.Duration, fire func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(delay, fire)
}

func (self *reconnectTimer) stop() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
