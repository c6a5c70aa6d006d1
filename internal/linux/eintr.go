package linux

import (
	"errors"

	"golang.org/x/sys/unix"
)

// retryOnEINTR takes a function that returns an error and calls it
// until the error returned is not EINTR.
func retryOnEINTR(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// retryOnEINTR2 is like retryOnEINTR, but for functions that also
// return a value.
func retryOnEINTR2[T any](fn func() (T, error)) (T, error) {
	for {
		val, err := fn()
		if !errors.Is(err, unix.EINTR) {
			return val, err
		}
	}
}
