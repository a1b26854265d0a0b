// Package sync provides small synchronization and hashing helpers.
package sync

import (
	"sync"
	"sync/atomic"
)

// ResettableOnce is like sync.Once but can be reset, and an initializer
// that fails leaves it undone so the next caller retries.
//
// ResettableOnce is safe for concurrent use.
//
//	var once ResettableOnce
//	err := once.DoWithError(func() error { return mkdir() })
//	once.Reset() // next DoWithError runs again
type ResettableOnce struct {
	done atomic.Bool
	m    sync.Mutex
}

// Do calls f if and only if Do has not completed since the last Reset.
//
// If multiple goroutines call Do simultaneously, only one runs f; the others
// block until it returns.
func (o *ResettableOnce) Do(f func()) {
	if o.done.Load() {
		return
	}

	o.m.Lock()
	defer o.m.Unlock()

	if !o.done.Load() {
		defer o.done.Store(true)
		f()
	}
}

// DoWithError is Do for fallible initializers. If f returns an error the
// once is NOT marked as done.
func (o *ResettableOnce) DoWithError(f func() error) error {
	if o.done.Load() {
		return nil
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done.Load() {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	o.done.Store(true)
	return nil
}

// Reset allows the next Do to run again. It blocks while a Do is running.
func (o *ResettableOnce) Reset() {
	o.m.Lock()
	defer o.m.Unlock()
	o.done.Store(false)
}

// Done returns true if Do completed since the last Reset.
func (o *ResettableOnce) Done() bool {
	return o.done.Load()
}
