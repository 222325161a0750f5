package application

import (
	"errors"
	"os"
	"unicode"
	"unicode/utf8"

	"ebbnc/internal/domain"
	"ebbnc/internal/infrastructure/network"

	"golang.org/x/sys/unix"
)

// errorLine formats a client-visible diagnostic.
func errorLine(msg string) []byte {
	return []byte("421 " + msg + "\r\n")
}

// errnoMessage renders err as "<syscall>: <error text>".
func errnoMessage(err error) string {
	var se *os.SyscallError
	if errors.As(err, &se) {
		return se.Syscall + ": " + errnoText(se.Err)
	}
	return errnoText(err)
}

func errnoText(err error) string {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err.Error()
	}
	text := errno.Error()
	r, size := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError {
		return text
	}
	return string(unicode.ToUpper(r)) + text[size:]
}

// isWriteTimeout reports whether a write gave up because SO_SNDTIMEO
// expired.
func isWriteTimeout(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// diagnosticError ends a connection and carries the message the client
// is sent before teardown.
type diagnosticError struct {
	msg string
	err error
}

func (e *diagnosticError) Error() string { return e.msg }

func (e *diagnosticError) Unwrap() error { return e.err }

func diagnose(msg string, err error) error {
	return &diagnosticError{msg: msg, err: err}
}

func diagnoseErrno(err error) error {
	return &diagnosticError{msg: errnoMessage(err), err: err}
}

// report sends the diagnostic carried by err, if any. Delivery is
// best-effort: the connection is torn down either way.
func (s *RelayService) report(conn *domain.Connection, err error) {
	var d *diagnosticError
	if !errors.As(err, &d) {
		return
	}
	if _, err := network.Write(conn.ClientFD, errorLine(d.msg)); err != nil {
		s.log.Debug("Diagnostic not delivered", "client_fd", conn.ClientFD, "error", err)
	}
}
