package forward

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"hostguard/internal/testutil"
	"hostguard/pkg/hosterr"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForward(t *testing.T) {
	stub := testutil.StartDNSStub(t, testutil.FixedHandler(map[string]testutil.Response{
		testutil.Key("example.com.", dns.TypeA): {Answers: []dns.RR{testutil.ARecord("example.com.", "93.184.216.34")}},
	}))
	f := New([]string{stub.Addr}, time.Second, discard(), nil)

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	resp, err := f.Forward(context.Background(), m)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(resp.Answer) == 0 {
		t.Fatal("expected answers in response")
	}
	if resp.Id != m.Id {
		t.Errorf("response id %d, want %d", resp.Id, m.Id)
	}
}

func TestForwardFailover(t *testing.T) {
	stub := testutil.StartDNSStub(t, testutil.FixedHandler(map[string]testutil.Response{
		testutil.Key("example.com.", dns.TypeA): {Answers: []dns.RR{testutil.ARecord("example.com.", "93.184.216.34")}},
	}))
	f := New([]string{deadAddr(t), stub.Addr}, 200*time.Millisecond, discard(), nil)

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	resp, err := f.Forward(context.Background(), m)
	if err != nil {
		t.Fatalf("failover failed: %v", err)
	}
	if resp == nil {
		t.Fatal("expected response from failover server")
	}
}

func TestForwardAllFail(t *testing.T) {
	f := New([]string{deadAddr(t)}, 100*time.Millisecond, discard(), nil)

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	_, err := f.Forward(context.Background(), m)
	if err == nil {
		t.Fatal("expected error")
	}
	if hosterr.KindOf(err) != hosterr.UpstreamUnreachable {
		t.Errorf("kind = %v, want upstream unreachable", hosterr.KindOf(err))
	}
}

func TestForwardNoUpstreams(t *testing.T) {
	_, err := New(nil, 0, nil, nil).Forward(context.Background(), new(dns.Msg))
	if hosterr.KindOf(err) != hosterr.UpstreamUnreachable {
		t.Fatalf("expected upstream unreachable, got %v", err)
	}
}

// deadAddr returns a UDP address nobody answers on.
func deadAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := conn.LocalAddr().String()
	t.Cleanup(func() { _ = conn.Close() })
	return addr
}
