package dnscache

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestDNSCache(t *testing.T) {
	tests := []struct {
		name    string
		msg     *dns.Msg
		query   string
		advance time.Duration
		wantHit bool
	}{
		{
			name:    "Cache hit - valid TTL",
			msg:     createTestMsg("example.com.", "93.184.216.34", 2),
			query:   "example.com.",
			advance: 1 * time.Second,
			wantHit: true,
		},
		{
			name:    "Cache miss - expired TTL",
			msg:     createTestMsg("expired.example.com.", "93.184.216.34", 1),
			query:   "expired.example.com.",
			advance: 2 * time.Second,
			wantHit: false,
		},
		{
			name:    "Cache hit - case insensitive",
			msg:     createTestMsg("mixed.example.com.", "93.184.216.34", 30),
			query:   "MIXED.example.com.",
			wantHit: true,
		},
		{
			name:    "Cache miss - nonexistent key",
			query:   "nonexistent.example.com.",
			wantHit: false,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := New(0, logger)
			base := time.Now()
			cache.now = func() time.Time { return base }
			if tt.msg != nil {
				cache.Set(tt.msg)
				cache.now = func() time.Time { return base.Add(tt.advance) }
			}

			req := new(dns.Msg)
			req.SetQuestion(tt.query, dns.TypeA)
			cached, found := cache.Get(req)
			if found != tt.wantHit {
				t.Errorf("cache hit = %v, want %v", found, tt.wantHit)
			}
			if found && cached.Id != req.Id {
				t.Errorf("cached id = %d, want request id %d", cached.Id, req.Id)
			}
		})
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	cache := New(0, nil)
	cache.Set(createTestMsg("example.com.", "93.184.216.34", 60))

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	first, _ := cache.Get(req)
	first.Answer = nil

	second, ok := cache.Get(req)
	if !ok || len(second.Answer) != 1 {
		t.Fatal("cached message was modified through a returned copy")
	}
}

func TestCacheSkipsServerFailures(t *testing.T) {
	cache := New(0, nil)
	msg := createTestMsg("example.com.", "93.184.216.34", 60)
	msg.Rcode = dns.RcodeServerFailure
	cache.Set(msg)
	if cache.Len() != 0 {
		t.Fatal("SERVFAIL must not be cached")
	}
}

func TestCacheEvictsWhenFull(t *testing.T) {
	cache := New(2, nil)
	cache.Set(createTestMsg("a.example.com.", "192.0.2.1", 60))
	cache.Set(createTestMsg("b.example.com.", "192.0.2.2", 60))
	cache.Set(createTestMsg("c.example.com.", "192.0.2.3", 60))
	if cache.Len() > 2 {
		t.Fatalf("cache holds %d entries, want at most 2", cache.Len())
	}
}

func TestNegativeAnswerUsesSOAMinimum(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("missing.example.com.", dns.TypeA)
	msg.Rcode = dns.RcodeNameError
	msg.Ns = []dns.RR{&dns.SOA{
		Hdr:    dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 300},
		Minttl: 30,
	}}
	if got := ttlOf(msg); got != 30*time.Second {
		t.Fatalf("ttl = %v, want 30s", got)
	}
}

func createTestMsg(domain, ip string, ttl uint32) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(domain, dns.TypeA)
	msg.Response = true
	msg.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{
				Name:   domain,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			A: net.ParseIP(ip),
		},
	}
	return msg
}
