// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"io"

	"go.uber.org/multierr"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Flush) where errors are unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }

// CloseAll closes every non-nil closer in reverse order and combines
// the errors. Use when tearing down a stack built bottom-up:
//
//	err := iox.CloseAll(store, transport, notifier)
func CloseAll(closers ...io.Closer) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		if closers[i] == nil {
			continue
		}
		err = multierr.Append(err, closers[i].Close())
	}
	return err
}
