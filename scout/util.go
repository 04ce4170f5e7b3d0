package scout

import (
	"sync"
)

// monitor broadcasts state changes to waiters. Waiters grab the notify
// channel before inspecting state; the channel is closed on the next change.
type monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func newMonitor() *monitor {
	return &monitor{
		update: make(chan struct{}),
	}
}

func (self *monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}
