// Package proxy bridges two byte streams bidirectionally, tearing both down
// together on the first error or close from either side.
package proxy

import (
	"errors"
	"io"
	"sync"
)

// halfCloser is implemented by connections that support closing the write
// side while keeping the read side open (TCP, TLS, yamux streams).
type halfCloser interface {
	CloseWrite() error
}

// Bidirectional copies data between two io.ReadWriteCloser endpoints and
// blocks until both directions finish. Both endpoints are closed before it
// returns. The first non-EOF error in either direction closes both
// endpoints at once, so the other direction is torn down too.
//
// When one direction reaches EOF, CloseWrite is called on the destination
// (if supported) so the other side observes a clean half-close instead of a
// hard reset while its own direction may still have bytes in flight. A
// destination without CloseWrite is left open on EOF; the other direction
// then runs until its own source ends or fails.
func Bidirectional(a, b io.ReadWriteCloser) error {
	var wg sync.WaitGroup
	var errAtoB, errBtoA error

	wg.Add(2)

	go func() {
		defer wg.Done()
		_, errAtoB = io.Copy(b, a)
		if errAtoB != nil {
			a.Close()
			b.Close()
			return
		}
		closeWrite(b)
	}()

	go func() {
		defer wg.Done()
		_, errBtoA = io.Copy(a, b)
		if errBtoA != nil {
			a.Close()
			b.Close()
			return
		}
		closeWrite(a)
	}()

	wg.Wait()

	a.Close()
	b.Close()

	return firstError(errAtoB, errBtoA)
}

func closeWrite(c io.ReadWriteCloser) {
	if hc, ok := c.(halfCloser); ok {
		hc.CloseWrite()
	}
}

// firstError returns the first non-nil, non-EOF error, or nil if both sides
// completed cleanly.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}
