package dnsresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const DefaultResolvConf = "/etc/resolv.conf"

var ErrNoRecords = errors.New("no records found")

// RcodeError is a nameserver's negative answer, such as NXDOMAIN.
type RcodeError struct {
	Name  string
	Rcode int
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, dns.RcodeToString[e.Rcode])
}

// Resolver answers forward and reverse queries against the nameservers of
// resolv.conf, falling back to the system resolver (which also consults
// /etc/hosts) when those yield nothing.
type Resolver struct {
	log     *slog.Logger
	client  *dns.Client
	config  *dns.ClientConfig
	servers []string
}

func New(logger *slog.Logger, resolvConf string, timeout time.Duration) *Resolver {
	r := &Resolver{
		log:    logger,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}

	cfg, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		logger.Debug("No nameservers loaded, using system resolver", "path", resolvConf, "error", err)
		return r
	}

	r.config = cfg
	for _, s := range cfg.Servers {
		r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
	}
	return r
}

// Resolve returns the first address for host. Literal addresses are
// returned as-is.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	if len(r.servers) > 0 {
		for _, name := range r.config.NameList(host) {
			for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
				addr, err := r.lookupAddr(ctx, name, qtype)
				if err == nil {
					r.log.Debug("DNS resolved", "host", host, "addr", addr)
					return addr, nil
				}
			}
		}
	}

	ctx, cancel := r.fallbackContext(ctx)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, ErrNoRecords)
	}
	return addrs[0].Unmap(), nil
}

// ReverseLookup returns the PTR name of addr without its trailing dot.
// A nameserver's answer is final, negative or not; the system resolver is
// asked only when no nameserver could be reached.
func (r *Resolver) ReverseLookup(ctx context.Context, addr netip.Addr) (string, error) {
	addr = addr.Unmap()

	if len(r.servers) > 0 {
		arpa, err := dns.ReverseAddr(addr.String())
		if err != nil {
			return "", err
		}
		msg, err := r.exchange(ctx, arpa, dns.TypePTR)
		var rcodeErr *RcodeError
		switch {
		case err == nil:
			for _, ans := range msg.Answer {
				if ptr, ok := ans.(*dns.PTR); ok {
					return strings.TrimSuffix(ptr.Ptr, "."), nil
				}
			}
			return "", fmt.Errorf("reverse lookup %s: %w", addr, ErrNoRecords)
		case errors.As(err, &rcodeErr):
			return "", fmt.Errorf("reverse lookup %s: %w", addr, err)
		}
		r.log.Debug("Nameservers unreachable, using system resolver", "addr", addr, "error", err)
	}

	ctx, cancel := r.fallbackContext(ctx)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, addr.String())
	if err != nil {
		return "", fmt.Errorf("reverse lookup %s: %w", addr, err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("reverse lookup %s: %w", addr, ErrNoRecords)
	}
	return strings.TrimSuffix(names[0], "."), nil
}

func (r *Resolver) lookupAddr(ctx context.Context, name string, qtype uint16) (netip.Addr, error) {
	msg, err := r.exchange(ctx, name, qtype)
	if err != nil {
		return netip.Addr{}, err
	}

	for _, ans := range msg.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				return addr, nil
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rr.AAAA); ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, ErrNoRecords
}

// exchange sends the question to each configured server in turn and
// returns the first successful answer.
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error = ErrNoRecords
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = &RcodeError{Name: name, Rcode: resp.Rcode}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// fallbackContext bounds a system resolver call by the same timeout the
// nameserver queries use.
func (r *Resolver) fallbackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.client.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.client.Timeout)
}
