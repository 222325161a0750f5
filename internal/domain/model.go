package domain

import (
	"net/netip"
	"time"
)

type State int

const (
	StateAccepted  State = iota // client socket accepted
	StateConnected              // outbound connection established
	StateIdentSent              // IDNT line delivered (or skipped)
	StateWelcomed               // banner delivered (or skipped)
	StateRelaying               // forwarding bytes
	StateClosed                 // both sockets released
)

var stateNames = [...]string{"accepted", "connected", "ident-sent", "welcomed", "relaying", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Settings is loaded once at startup and shared read-only by every
// connection.
type Settings struct {
	ListenAddr string
	ListenPort int
	RemoteAddr string
	RemotePort int

	IdentEnabled bool
	IdentTimeout time.Duration
	IdleTimeout  time.Duration // zero means no idle limit
	WriteTimeout time.Duration
	DNSLookup    bool

	WelcomeMessage string // empty means no banner
	PIDFile        string
}

// Connection is one client-to-remote relay. It is owned by a single
// goroutine for its entire life.
type Connection struct {
	ClientFD int
	RemoteFD int
	State    State

	ClientAddr netip.AddrPort
	RemoteAddr netip.AddrPort
}

func NewConnection(fd int, peer netip.AddrPort) *Connection {
	return &Connection{
		ClientFD:   fd,
		RemoteFD:   -1,
		State:      StateAccepted,
		ClientAddr: peer,
	}
}
