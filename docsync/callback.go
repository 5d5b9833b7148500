package docsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// callbackList is an observer registry. Add returns an unsubscribe closure.
// Dispatch walks a snapshot of the map, so unsubscribe during dispatch is
// safe. Each callback invocation recovers from panics so a subscriber cannot
// take down the channel that notified it.
type callbackList[T any] struct {
	mutex     sync.Mutex
	callbacks map[Id]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[Id]T{},
	}
}

func (self *callbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	self.callbacks[callbackId] = callback
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.callbacks, callbackId)
	}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.callbacks)
}

type statusFunction = func(connected bool)
type syncedFunction = func()
type contentFunction = func(path string, content string)
type entryFunction = func(path string, entry *Entry)
type filesChangedFunction = func(paths []string)
type progressFunction = func(completed int, total int)
type syncStatusFunction = func(status SyncStatus, err error)

func dispatch[T any](list *callbackList[T], call func(callback T)) {
	for _, callback := range list.get() {
		func() {
			defer recover()
			call(callback)
		}()
	}
}
