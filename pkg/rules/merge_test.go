package rules

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(host string) Entry { return Entry{Host: host, Kind: Block} }
func allow(host string) Entry { return Entry{Host: host, Kind: Allow} }
func redirect(host, ip string) Entry {
	return Entry{Host: host, Kind: Redirect, Target: netip.MustParseAddr(ip)}
}

func TestMergeIsIdempotent(t *testing.T) {
	inputs := []SourceEntries{
		{SourceID: 1, Entries: []Entry{block("ads.example.com"), block("track.example.com"), redirect("r.example.com", "203.0.113.9")}},
		{SourceID: 2, Entries: []Entry{allow("track.example.com"), block("ads.example.com"), block("more.example.net")}},
	}

	first := Merge(inputs)
	second := Merge(inputs)

	require.Equal(t, first.Entries(), second.Entries())
	assert.Equal(t, first.Digest(), second.Digest())
	assert.Equal(t, 4, first.Len())
}

func TestMergeAllowWinsRegardlessOfOrder(t *testing.T) {
	a := SourceEntries{SourceID: 9, Entries: []Entry{allow("safe.example.com")}}
	b := SourceEntries{SourceID: 1, Entries: []Entry{block("safe.example.com"), redirect("safe.example.com", "198.51.100.1")}}

	for _, inputs := range [][]SourceEntries{{a, b}, {b, a}} {
		set := Merge(inputs)
		e, ok := set.Lookup("safe.example.com")
		require.True(t, ok)
		assert.Equal(t, Allow, e.Kind)
		assert.Equal(t, int64(9), e.SourceID)
		assert.False(t, e.Target.IsValid())
	}
}

func TestMergeRedirectTieBreakByLowestSource(t *testing.T) {
	s3 := SourceEntries{SourceID: 3, Entries: []Entry{redirect("r.example.com", "192.0.2.3")}}
	s7 := SourceEntries{SourceID: 7, Entries: []Entry{redirect("r.example.com", "192.0.2.7")}}

	for _, inputs := range [][]SourceEntries{{s3, s7}, {s7, s3}} {
		e, ok := Merge(inputs).Lookup("r.example.com")
		require.True(t, ok)
		assert.Equal(t, "192.0.2.3", e.Target.String())
		assert.Equal(t, int64(3), e.SourceID)
	}
}

func TestMergeRedirectBeatsBlock(t *testing.T) {
	set := Merge([]SourceEntries{
		{SourceID: 1, Entries: []Entry{block("x.example.com")}},
		{SourceID: 2, Entries: []Entry{redirect("x.example.com", "2001:db8::1")}},
	})
	e, ok := set.Lookup("x.example.com")
	require.True(t, ok)
	assert.Equal(t, Redirect, e.Kind)
	assert.Equal(t, int64(2), e.SourceID)
	assert.Equal(t, 1, set.Count(Redirect))
	assert.Equal(t, 0, set.Count(Block))
}

func TestMergeCollapsesDuplicates(t *testing.T) {
	set := Merge([]SourceEntries{
		{SourceID: 4, Entries: []Entry{block("dup.example.com"), block("dup.example.com")}},
		{SourceID: 2, Entries: []Entry{block("dup.example.com")}},
	})
	require.Equal(t, 1, set.Len())
	e, _ := set.Lookup("dup.example.com")
	assert.Equal(t, int64(2), e.SourceID)
}

func TestMergeSameSourceConflictingTargets(t *testing.T) {
	in1 := []SourceEntries{{SourceID: 1, Entries: []Entry{redirect("r.example.com", "192.0.2.9"), redirect("r.example.com", "192.0.2.2")}}}
	in2 := []SourceEntries{{SourceID: 1, Entries: []Entry{redirect("r.example.com", "192.0.2.2"), redirect("r.example.com", "192.0.2.9")}}}
	assert.Equal(t, Merge(in1).Digest(), Merge(in2).Digest())
}

func TestMergeDropsInvalidEntries(t *testing.T) {
	set := Merge([]SourceEntries{{SourceID: 1, Entries: []Entry{
		{Host: "", Kind: Block},
		{Host: "noip.example.com", Kind: Redirect},
		{Host: "ok.example.com", Kind: Block},
	}}})
	assert.Equal(t, 1, set.Len())
}

func TestHolderSwapIsAtomic(t *testing.T) {
	const size = 2000
	build := func(gen int) *Set {
		entries := make([]Entry, size)
		for i := range entries {
			entries[i] = Entry{Host: fmt.Sprintf("h%d.example.com", i), Kind: Block, SourceID: int64(gen)}
		}
		return NewSet(entries)
	}

	holder := NewHolder(build(1))
	var stop atomic.Bool
	var wg sync.WaitGroup
	var torn atomic.Int64

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				set := holder.Current()
				first, _ := set.Lookup("h0.example.com")
				last, _ := set.Lookup(fmt.Sprintf("h%d.example.com", size-1))
				if set.Len() != size || first.SourceID != last.SourceID {
					torn.Add(1)
				}
			}
		}()
	}

	for gen := 2; gen < 50; gen++ {
		holder.Replace(build(gen))
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, torn.Load())
	last, _ := holder.Current().Lookup("h0.example.com")
	assert.Equal(t, int64(49), last.SourceID)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ads.example.com", Normalize(" Ads.Example.COM. "))
	assert.Equal(t, "xn--bcher-kva.example", Normalize("xn--bcher-kva.example."))
	assert.Equal(t, "", Normalize("."))
}
