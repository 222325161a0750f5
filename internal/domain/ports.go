package domain

import (
	"context"
	"errors"
	"net/netip"
)

// ErrIdentNotFound is returned by IdentLookup for every kind of failure.
var ErrIdentNotFound = errors.New("ident: user not found")

type IdentLookup interface {
	Lookup(ctx context.Context, local, peer netip.AddrPort) (string, error)
}

type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
	ReverseLookup(ctx context.Context, addr netip.Addr) (string, error)
}

type EventType uint32

const (
	EventRead   EventType = 0x1
	EventHangup EventType = 0x2 // peer hung up or socket error pending
)
