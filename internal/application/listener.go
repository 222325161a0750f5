package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"ebbnc/internal/domain"
	"ebbnc/internal/infrastructure/network"
)

var ErrListenerClosed = errors.New("listener closed")

// BindError is a fatal startup failure to set up the listening socket.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Listener owns the listening socket for the life of the process.
type Listener struct {
	fd   int
	addr netip.AddrPort

	// mu keeps the descriptor from being closed, and its number reused,
	// while an Accept is between the closed check and accept4.
	mu     sync.RWMutex
	closed atomic.Bool
}

func Listen(ctx context.Context, settings *domain.Settings, resolver domain.Resolver) (*Listener, error) {
	hostport := net.JoinHostPort(settings.ListenAddr, strconv.Itoa(settings.ListenPort))

	ip, err := resolver.Resolve(ctx, settings.ListenAddr)
	if err != nil {
		return nil, &BindError{Addr: hostport, Err: err}
	}

	fd, err := network.ListenTCP(netip.AddrPortFrom(ip, uint16(settings.ListenPort)))
	if err != nil {
		return nil, &BindError{Addr: hostport, Err: err}
	}

	addr, err := network.LocalAddr(fd)
	if err != nil {
		network.Close(fd)
		return nil, &BindError{Addr: hostport, Err: err}
	}

	return &Listener{fd: fd, addr: addr}, nil
}

// Addr is the bound address, with the actual port when port 0 was asked
// for.
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

func (l *Listener) Accept() (int, netip.AddrPort, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed.Load() {
		return -1, netip.AddrPort{}, ErrListenerClosed
	}
	return network.Accept(l.fd)
}

func (l *Listener) Closed() bool {
	return l.closed.Load()
}

// Close wakes a blocked Accept and releases the socket. Calls after the
// first are no-ops.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Shutdown wakes blocked accepts so they drop the read lock.
	network.Shutdown(l.fd)

	l.mu.Lock()
	defer l.mu.Unlock()
	return network.Close(l.fd)
}
