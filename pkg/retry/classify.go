package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
)

// transienter lets domain errors opt into retry without this package
// knowing their concrete types.
type transienter interface{ Transient() bool }

type marked struct{ err error }

func (m *marked) Error() string   { return m.err.Error() }
func (m *marked) Unwrap() error   { return m.err }
func (m *marked) Transient() bool { return true }

// MarkTransient tags err as retryable for the Transient classifier.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err}
}

// Transient is the classifier for the designated transient failure set:
// network errors, timeouts, connection-level syscall errors, truncated
// I/O, and anything explicitly marked via MarkTransient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var t transienter
	if errors.As(err, &t) {
		return t.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
