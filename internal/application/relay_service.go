package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"ebbnc/internal/domain"
	"ebbnc/internal/infrastructure/network"
	"ebbnc/internal/infrastructure/poll"

	"golang.org/x/sys/unix"
)

const (
	bufferSize = 8192

	maxAcceptDelay = time.Second
)

var (
	errClientClosed = errors.New("client closed connection")
	errRemoteClosed = errors.New("remote closed connection")
	errIdleTimeout  = errors.New("idle timeout")
	errShortWrite   = errors.New("short write")
)

type RelayService struct {
	log      *slog.Logger
	settings *domain.Settings
	ident    domain.IdentLookup
	resolver domain.Resolver
}

func NewRelayService(settings *domain.Settings, ident domain.IdentLookup, resolver domain.Resolver, logger *slog.Logger) *RelayService {
	return &RelayService{
		log:      logger,
		settings: settings,
		ident:    ident,
		resolver: resolver,
	}
}

// Serve accepts connections until ln is closed and relays each one in its
// own goroutine. It never waits for a relay to finish.
func (s *RelayService) Serve(ctx context.Context, ln *Listener) error {
	s.log.Info("Accepting connections", "listen", ln.Addr(),
		"remote", fmt.Sprintf("%s:%d", s.settings.RemoteAddr, s.settings.RemotePort))

	var delay time.Duration
	for {
		fd, peer, err := ln.Accept()
		if err != nil {
			if ln.Closed() {
				return nil
			}
			s.log.Error("Accept failed", "error", err)

			// Out of descriptors or buffers: give running relays a
			// moment to release some.
			if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
				errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM) {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay = min(2*delay, maxAcceptDelay)
				}
				time.Sleep(delay)
			}
			continue
		}
		delay = 0

		go s.Run(ctx, domain.NewConnection(fd, peer))
	}
}

// Run drives one connection from accept to teardown.
func (s *RelayService) Run(ctx context.Context, conn *domain.Connection) {
	log := s.log.With("client", conn.ClientAddr, "client_fd", conn.ClientFD)
	log.Debug("New client accepted")

	var err error
	defer func() {
		state := conn.State
		s.report(conn, err)
		s.teardown(conn)
		log.Info("Closing connection", "state", state, "reason", err)
	}()

	if s.settings.WriteTimeout > 0 {
		if err := network.SetWriteTimeout(conn.ClientFD, s.settings.WriteTimeout); err != nil {
			log.Debug("Write timeout not applied", "error", err)
		}
	}

	if err = s.connectBack(ctx, conn); err != nil {
		return
	}
	log.Debug("Connected to remote", "remote", conn.RemoteAddr, "remote_fd", conn.RemoteFD)

	if err = s.sendIdent(ctx, conn); err != nil {
		return
	}
	if err = s.welcome(conn); err != nil {
		return
	}

	err = s.forward(conn)
}

func (s *RelayService) connectBack(ctx context.Context, conn *domain.Connection) error {
	ip, err := s.resolver.Resolve(ctx, s.settings.RemoteAddr)
	if err != nil {
		return diagnose("resolve: "+err.Error(), err)
	}
	conn.RemoteAddr = netip.AddrPortFrom(ip, uint16(s.settings.RemotePort))

	fd, err := network.Socket(ip)
	if err != nil {
		return diagnoseErrno(err)
	}
	conn.RemoteFD = fd

	if s.settings.WriteTimeout > 0 {
		if err := network.SetWriteTimeout(fd, s.settings.WriteTimeout); err != nil {
			s.log.Debug("Write timeout not applied", "remote_fd", fd, "error", err)
		}
	}
	if err := network.SetNoDelay(fd); err != nil {
		s.log.Debug("TCP_NODELAY not applied", "remote_fd", fd, "error", err)
	}

	if err := network.Connect(fd, conn.RemoteAddr); err != nil {
		return diagnoseErrno(err)
	}

	conn.State = domain.StateConnected
	return nil
}

// sendIdent announces the client to the remote as
// "IDNT <user>@<ip>:<hostname>". Lookup failures degrade to "*" and the
// numeric address; only the write can fail the connection.
func (s *RelayService) sendIdent(ctx context.Context, conn *domain.Connection) error {
	if !s.settings.IdentEnabled {
		conn.State = domain.StateIdentSent
		return nil
	}

	local, err := network.LocalAddr(conn.ClientFD)
	if err != nil {
		return err
	}

	user := "*"
	lookupCtx := ctx
	if s.settings.IdentTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, s.settings.IdentTimeout)
		defer cancel()
	}
	if name, err := s.ident.Lookup(lookupCtx, local, conn.ClientAddr); err != nil {
		s.log.Debug("Ident lookup failed", "client", conn.ClientAddr, "error", err)
	} else {
		user = name
	}

	ip := conn.ClientAddr.Addr().Unmap()
	hostname := ip.String()
	if s.settings.DNSLookup {
		if host, err := s.resolver.ReverseLookup(ctx, ip); err == nil && host != "" {
			hostname = host
		} else {
			s.log.Debug("Reverse lookup failed", "ip", ip, "error", err)
		}
	}

	line := []byte(fmt.Sprintf("IDNT %s@%s:%s\n", user, ip, hostname))
	n, err := network.Write(conn.RemoteFD, line)
	if err != nil {
		return fmt.Errorf("send ident: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("send ident: %w", errShortWrite)
	}

	conn.State = domain.StateIdentSent
	return nil
}

func (s *RelayService) welcome(conn *domain.Connection) error {
	if s.settings.WelcomeMessage == "" {
		conn.State = domain.StateWelcomed
		return nil
	}

	banner := []byte("220-" + s.settings.WelcomeMessage + "\r\n")
	n, err := network.Write(conn.ClientFD, banner)
	if err != nil {
		return fmt.Errorf("send welcome: %w", err)
	}
	if n != len(banner) {
		return fmt.Errorf("send welcome: %w", errShortWrite)
	}

	conn.State = domain.StateWelcomed
	return nil
}

// forward copies bytes in both directions until one side closes, fails,
// or nothing arrives for the idle timeout.
func (s *RelayService) forward(conn *domain.Connection) error {
	conn.State = domain.StateRelaying

	p := poll.New(conn.ClientFD, conn.RemoteFD)
	buf := make([]byte, bufferSize)

	for {
		n, err := p.Wait(s.settings.IdleTimeout)
		if err != nil {
			return diagnoseErrno(err)
		}
		if n == 0 {
			return diagnose("Idle timeout", errIdleTimeout)
		}

		if p.Readable(0) {
			if err := s.clientToRemote(conn, buf); err != nil {
				return err
			}
		}
		if p.Readable(1) {
			if err := s.remoteToClient(conn, buf); err != nil {
				return err
			}
		}
	}
}

func (s *RelayService) clientToRemote(conn *domain.Connection, buf []byte) error {
	n, err := network.Read(conn.ClientFD, buf)
	if err != nil {
		return fmt.Errorf("%w: %v", errClientClosed, err)
	}
	if n == 0 {
		return errClientClosed
	}
	return pass(conn.RemoteFD, buf[:n], "Server write timeout")
}

func (s *RelayService) remoteToClient(conn *domain.Connection, buf []byte) error {
	n, err := network.Read(conn.RemoteFD, buf)
	if err != nil {
		return diagnoseErrno(err)
	}
	if n == 0 {
		return diagnose("Connection closed", errRemoteClosed)
	}
	return pass(conn.ClientFD, buf[:n], "Client write timeout")
}

// pass writes p to dst in a single call; a partial write is a failure in
// either direction.
func pass(dst int, p []byte, timeoutMsg string) error {
	n, err := network.Write(dst, p)
	switch {
	case err != nil && isWriteTimeout(err):
		return diagnose(timeoutMsg, err)
	case err != nil:
		return diagnoseErrno(err)
	case n != len(p):
		return diagnose("Short write", errShortWrite)
	}
	return nil
}

// teardown releases both sockets. Descriptors are reset so a second call
// does nothing.
func (s *RelayService) teardown(conn *domain.Connection) {
	if conn.RemoteFD >= 0 {
		network.Close(conn.RemoteFD)
		conn.RemoteFD = -1
	}
	if conn.ClientFD >= 0 {
		network.Close(conn.ClientFD)
		conn.ClientFD = -1
	}
	conn.State = domain.StateClosed
}
