package poll

import (
	"math"
	"os"
	"time"

	"ebbnc/internal/domain"

	"golang.org/x/sys/unix"
)

// Poller waits for readability on a fixed set of descriptors.
type Poller struct {
	fds []unix.PollFd
}

func New(fds ...int) *Poller {
	p := &Poller{fds: make([]unix.PollFd, len(fds))}
	for i, fd := range fds {
		p.fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	return p
}

// Wait blocks until at least one descriptor is ready or timeout elapses.
// A zero or negative timeout blocks indefinitely. It returns the number of
// ready descriptors; zero means the timeout expired.
func (p *Poller) Wait(timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ms := -1
		if !deadline.IsZero() {
			ms = timeoutMillis(time.Until(deadline))
		}

		for i := range p.fds {
			p.fds[i].Revents = 0
		}

		n, err := unix.Poll(p.fds, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, os.NewSyscallError("poll", err)
		}
		// A timeout longer than poll can express expires early; keep
		// waiting until the real deadline.
		if n == 0 && !deadline.IsZero() && time.Now().Before(deadline) {
			continue
		}
		return n, nil
	}
}

// timeoutMillis rounds d up to whole milliseconds, clamped to what poll
// accepts.
func timeoutMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// Events reports what the last Wait observed for the i-th descriptor.
func (p *Poller) Events(i int) domain.EventType {
	rev := p.fds[i].Revents
	var ev domain.EventType
	if rev&unix.POLLIN != 0 {
		ev |= domain.EventRead
	}
	if rev&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		ev |= domain.EventHangup
	}
	return ev
}

// Readable reports whether a read on the i-th descriptor will not block.
// Hang-ups count as readable so the read surfaces them.
func (p *Poller) Readable(i int) bool {
	return p.Events(i) != 0
}
