package dnsresolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startNameserver serves a fixed zone on a loopback UDP port.
func startNameserver(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	zone := map[string]string{
		"bnc.test.":                 "bnc.test. 60 IN A 192.0.2.10",
		"v6.bnc.test.":              "v6.bnc.test. 60 IN AAAA 2001:db8::10",
		"10.2.0.192.in-addr.arpa.": "10.2.0.192.in-addr.arpa. 60 IN PTR client.bnc.test.",
		"11.2.0.192.in-addr.arpa.": "11.2.0.192.in-addr.arpa. 60 IN TXT \"no ptr\"",
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		if text, ok := zone[q.Name]; ok {
			rr, err := dns.NewRR(text)
			if err == nil && rr.Header().Rrtype == q.Qtype {
				m.Answer = append(m.Answer, rr)
			}
		} else {
			m.Rcode = dns.RcodeNameError
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func newTestResolver(t *testing.T, server string) *Resolver {
	t.Helper()
	conf := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(conf, []byte("nameserver 127.0.0.1\noptions ndots:1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := New(discardLogger(), conf, 2*time.Second)
	r.servers = []string{server}
	return r
}

func TestResolveLiteral(t *testing.T) {
	r := New(discardLogger(), filepath.Join(t.TempDir(), "missing"), time.Second)
	for _, s := range []string{"127.0.0.1", "::1", "0.0.0.0"} {
		addr, err := r.Resolve(context.Background(), s)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", s, err)
		}
		if addr != netip.MustParseAddr(s) {
			t.Errorf("Resolve(%s) = %v", s, addr)
		}
	}
}

func TestResolveQueriesNameserver(t *testing.T) {
	r := newTestResolver(t, startNameserver(t))
	ctx := context.Background()

	addr, err := r.Resolve(ctx, "bnc.test")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr != netip.MustParseAddr("192.0.2.10") {
		t.Errorf("A lookup = %v", addr)
	}

	addr, err = r.Resolve(ctx, "v6.bnc.test")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr != netip.MustParseAddr("2001:db8::10") {
		t.Errorf("AAAA lookup = %v", addr)
	}
}

func TestReverseLookup(t *testing.T) {
	r := newTestResolver(t, startNameserver(t))

	name, err := r.ReverseLookup(context.Background(), netip.MustParseAddr("::ffff:192.0.2.10"))
	if err != nil {
		t.Fatalf("ReverseLookup: %v", err)
	}
	if name != "client.bnc.test" {
		t.Errorf("name = %q, want client.bnc.test", name)
	}
}

func TestExchangeReportsRcode(t *testing.T) {
	r := newTestResolver(t, startNameserver(t))

	_, err := r.lookupAddr(context.Background(), "missing.bnc.test.", dns.TypeA)
	if err == nil {
		t.Fatal("expected NXDOMAIN to fail")
	}
	if errors.Is(err, ErrNoRecords) {
		t.Errorf("NXDOMAIN reported as empty answer: %v", err)
	}
	var rcodeErr *RcodeError
	if !errors.As(err, &rcodeErr) || rcodeErr.Rcode != dns.RcodeNameError {
		t.Errorf("err = %v, want RcodeError NXDOMAIN", err)
	}
}

func TestReverseLookupNegativeAnswerIsFinal(t *testing.T) {
	r := newTestResolver(t, startNameserver(t))
	ctx := context.Background()

	_, err := r.ReverseLookup(ctx, netip.MustParseAddr("192.0.2.99"))
	var rcodeErr *RcodeError
	if !errors.As(err, &rcodeErr) || rcodeErr.Rcode != dns.RcodeNameError {
		t.Errorf("NXDOMAIN PTR: err = %v, want RcodeError NXDOMAIN", err)
	}

	_, err = r.ReverseLookup(ctx, netip.MustParseAddr("192.0.2.11"))
	if !errors.Is(err, ErrNoRecords) {
		t.Errorf("PTR-less answer: err = %v, want ErrNoRecords", err)
	}
}

func TestFallbackContextUsesClientTimeout(t *testing.T) {
	r := New(discardLogger(), filepath.Join(t.TempDir(), "missing"), 300*time.Millisecond)

	ctx, cancel := r.fallbackContext(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("fallback context has no deadline")
	}
	if left := time.Until(deadline); left <= 0 || left > 300*time.Millisecond {
		t.Errorf("deadline in %v, want within 300ms", left)
	}

	r = New(discardLogger(), filepath.Join(t.TempDir(), "missing"), 0)
	ctx, cancel = r.fallbackContext(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Error("zero timeout should not add a deadline")
	}
}
