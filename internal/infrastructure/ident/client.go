// Package ident implements the client side of the Identification
// Protocol (RFC 1413).
package ident

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"ebbnc/internal/domain"
)

const (
	DefaultPort = 113

	// RFC 1413 caps a response at 1000 characters.
	maxResponse = 1000
)

type Client struct {
	Port int
}

func New() *Client {
	return &Client{Port: DefaultPort}
}

// Lookup asks the ident daemon on peer's host who owns the connection
// between peer and local. The call is bounded by ctx; every failure is
// reported as domain.ErrIdentNotFound.
func (c *Client) Lookup(ctx context.Context, local, peer netip.AddrPort) (string, error) {
	d := net.Dialer{
		LocalAddr: net.TCPAddrFromAddrPort(netip.AddrPortFrom(local.Addr().Unmap(), 0)),
	}
	target := netip.AddrPortFrom(peer.Addr().Unmap(), uint16(c.Port))

	conn, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrIdentNotFound, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := fmt.Fprintf(conn, "%d , %d\r\n", peer.Port(), local.Port()); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrIdentNotFound, err)
	}

	line, err := bufio.NewReader(io.LimitReader(conn, maxResponse)).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("%w: %v", domain.ErrIdentNotFound, err)
	}

	return ParseResponse(line, peer.Port(), local.Port())
}

// ParseResponse extracts the user id from a reply of the form
// "<port> , <port> : USERID : <os> : <user>".
func ParseResponse(line string, peerPort, localPort uint16) (string, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), ":", 4)
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: malformed response %q", domain.ErrIdentNotFound, line)
	}

	ports := strings.Split(parts[0], ",")
	if len(ports) != 2 || !portMatches(ports[0], peerPort) || !portMatches(ports[1], localPort) {
		return "", fmt.Errorf("%w: port mismatch in %q", domain.ErrIdentNotFound, line)
	}

	switch kind := strings.ToUpper(strings.TrimSpace(parts[1])); kind {
	case "USERID":
	case "ERROR":
		return "", fmt.Errorf("%w: %s", domain.ErrIdentNotFound, strings.TrimSpace(parts[2]))
	default:
		return "", fmt.Errorf("%w: unexpected reply type %q", domain.ErrIdentNotFound, kind)
	}

	if len(parts) != 4 {
		return "", fmt.Errorf("%w: missing user id", domain.ErrIdentNotFound)
	}

	user := strings.TrimSpace(parts[3])
	if user == "" || strings.ContainsAny(user, " \t@") {
		return "", fmt.Errorf("%w: invalid user id %q", domain.ErrIdentNotFound, user)
	}
	return user, nil
}

func portMatches(s string, want uint16) bool {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	return err == nil && uint16(n) == want
}
