package parser

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"hostguard/pkg/rules"
	"hostguard/pkg/sources"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parse(t *testing.T, format sources.Format, input string) ([]rules.Entry, Stats) {
	t.Helper()
	entries, stats, err := ParseAll(strings.NewReader(input), Options{
		Format:     format,
		ListID:     "test",
		Logger:     discardLogger(),
		ErrorLimit: 5,
	})
	if err != nil {
		t.Fatalf("ParseAll returned error: %v", err)
	}
	return entries, stats
}

func TestHostsFileBlockAndRedirect(t *testing.T) {
	input := strings.Join([]string{
		"# Comment line",
		"0.0.0.0 ads.example.com",
		"203.0.113.9 redirect.example.com",
		"127.0.0.1 localhost",
		"127.0.0.1 Also.Bad.Example.com. # trailing comment",
		":: v6block.example.com",
		"2001:db8::5 v6redirect.example.com",
		"0.0.0.0 one.example.com two.example.com",
		"",
	}, "\n")

	entries, stats := parse(t, sources.FormatHostsFile, input)

	want := []string{
		"block ads.example.com (source 0)",
		"redirect redirect.example.com 203.0.113.9 (source 0)",
		"block also.bad.example.com (source 0)",
		"block v6block.example.com (source 0)",
		"redirect v6redirect.example.com 2001:db8::5 (source 0)",
		"block one.example.com (source 0)",
		"block two.example.com (source 0)",
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(entries), entries)
	}
	for i, e := range entries {
		if e.String() != want[i] {
			t.Errorf("entry %d = %q, want %q", i, e.String(), want[i])
		}
	}
	if stats.Ignored != 1 {
		t.Errorf("expected localhost to be ignored, stats %+v", stats)
	}
}

func TestHostsFileSpecExamples(t *testing.T) {
	entries, _ := parse(t, sources.FormatHostsFile, "0.0.0.0 ads.example.com\n203.0.113.9 redirect.example.com\n")
	if entries[0].Host != "ads.example.com" || entries[0].Kind != rules.Block || entries[0].Target.IsValid() {
		t.Errorf("unexpected block entry %+v", entries[0])
	}
	if entries[1].Host != "redirect.example.com" || entries[1].Kind != rules.Redirect || entries[1].Target.String() != "203.0.113.9" {
		t.Errorf("unexpected redirect entry %+v", entries[1])
	}
}

func TestHostsFileMalformedLinesAreCounted(t *testing.T) {
	input := strings.Join([]string{
		"0.0.0.0 good.example.com",
		"not-an-ip bad.example.com",
		"0.0.0.0",
		"0.0.0.0 http://bad.example.com",
		"0.0.0.0 bad..example.com",
	}, "\n")
	entries, stats := parse(t, sources.FormatHostsFile, input)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if stats.Invalid != 4 {
		t.Errorf("expected 4 invalid lines, got %d", stats.Invalid)
	}
	if stats.TotalLines != 5 {
		t.Errorf("expected 5 lines, got %d", stats.TotalLines)
	}
}

func TestDomainList(t *testing.T) {
	input := strings.Join([]string{
		"# comment",
		"tracker.example.com",
		"@allowed.example.com",
		"@@also-allowed.example.com",
		"!third-allowed.example.com",
		"ads.example.net # inline",
		"two words.example.com",
	}, "\n")
	entries, stats := parse(t, sources.FormatDomainList, input)

	kinds := map[string]rules.Kind{}
	for _, e := range entries {
		kinds[e.Host] = e.Kind
	}
	expected := map[string]rules.Kind{
		"tracker.example.com":       rules.Block,
		"allowed.example.com":       rules.Allow,
		"also-allowed.example.com":  rules.Allow,
		"third-allowed.example.com": rules.Allow,
		"ads.example.net":           rules.Block,
	}
	if len(kinds) != len(expected) {
		t.Fatalf("expected %d entries, got %v", len(expected), kinds)
	}
	for host, kind := range expected {
		if kinds[host] != kind {
			t.Errorf("%s: kind %s, want %s", host, kinds[host], kind)
		}
	}
	if stats.Invalid != 1 {
		t.Errorf("expected 1 invalid line, got %d", stats.Invalid)
	}
}

func TestAdblockPlus(t *testing.T) {
	input := strings.Join([]string{
		"[Adblock Plus 2.0]",
		"! Title: test",
		"||ads.example.com^",
		"@@||good.example.com^",
		"||important.example.com^$important",
		"||third.example.com^$third-party",
		"example.com##.banner",
		"||example.org/path/ad.js",
		"/banner/*",
		"||bad host^",
	}, "\n")
	entries, stats := parse(t, sources.FormatAdblockPlus, input)

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %v", entries)
	}
	if entries[0].Host != "ads.example.com" || entries[0].Kind != rules.Block {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[1].Host != "good.example.com" || entries[1].Kind != rules.Allow {
		t.Errorf("unexpected entry %+v", entries[1])
	}
	if entries[2].Host != "important.example.com" {
		t.Errorf("unexpected entry %+v", entries[2])
	}
	if stats.Ignored != 4 {
		t.Errorf("expected 4 ignored rules, got %d", stats.Ignored)
	}
	if stats.Invalid != 1 {
		t.Errorf("expected 1 invalid rule, got %d", stats.Invalid)
	}
}

func TestEntriesStopsEarly(t *testing.T) {
	p := New(Options{Format: sources.FormatDomainList, Logger: discardLogger()})
	count := 0
	for range p.Entries(strings.NewReader("a.example.com\nb.example.com\nc.example.com\n")) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("expected to stop after 2 entries, got %d", count)
	}
	if p.Stats().TotalLines != 2 {
		t.Errorf("expected parser to stop reading after 2 lines, read %d", p.Stats().TotalLines)
	}
}

func TestParseErrorLimit(t *testing.T) {
	input := strings.Join([]string{
		"good.example.com",
		"http://bad.example.com",
		"1.2.3.4",
		"bad..example.com",
		"foo/bar",
	}, "\n")

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, _, err := ParseAll(strings.NewReader(input), Options{
		Format:     sources.FormatDomainList,
		ListID:     "test",
		Logger:     logger,
		ErrorLimit: 2,
	})
	if err != nil {
		t.Fatalf("ParseAll returned error: %v", err)
	}

	logText := logBuf.String()
	if got := strings.Count(logText, "invalid list entry"); got != 2 {
		t.Fatalf("expected 2 invalid entry logs, got %d", got)
	}
	if !strings.Contains(logText, "list parsing errors suppressed") {
		t.Error("expected summary log for suppressed errors")
	}
}

func TestLargeListStreams(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200000; i++ {
		b.WriteString("0.0.0.0 host")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString(".example.com\n")
	}
	p := New(Options{Format: sources.FormatHostsFile, Logger: discardLogger()})
	n := 0
	for range p.Entries(strings.NewReader(b.String())) {
		n++
	}
	if p.Err() != nil {
		t.Fatalf("unexpected error %v", p.Err())
	}
	if n != 200000 {
		t.Fatalf("expected 200000 entries, got %d", n)
	}
}
