package rules

import (
	"crypto/sha256"
	"iter"
	"sort"
	"strconv"
	"sync/atomic"
)

// Set is an immutable, host-keyed rule set. Lookups are a single map access.
// A Set is never mutated after construction; updates build a new Set and swap
// it into a Holder.
type Set struct {
	entries []Entry
	index   map[string]int
	counts  map[Kind]int
}

var empty = NewSet(nil)

// Empty returns the shared empty set.
func Empty() *Set {
	return empty
}

// NewSet builds a set from entries. Entries are sorted by host; on duplicate
// hosts the first one wins. Invalid entries are dropped.
func NewSet(entries []Entry) *Set {
	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Valid() {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Host < sorted[j].Host })

	s := &Set{
		entries: sorted[:0],
		index:   make(map[string]int, len(sorted)),
		counts:  make(map[Kind]int, 3),
	}
	for _, e := range sorted {
		if _, dup := s.index[e.Host]; dup {
			continue
		}
		s.index[e.Host] = len(s.entries)
		s.entries = append(s.entries, e)
		s.counts[e.Kind]++
	}
	return s
}

// Lookup returns the entry for an already normalised host name.
func (s *Set) Lookup(host string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	i, ok := s.index[host]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Len is the number of distinct hosts.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Count returns the number of entries of a kind.
func (s *Set) Count(kind Kind) int {
	if s == nil {
		return 0
	}
	return s.counts[kind]
}

// All yields entries in host order.
func (s *Set) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		if s == nil {
			return
		}
		for _, e := range s.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Entries returns a copy of the entries in host order.
func (s *Set) Entries() []Entry {
	if s == nil {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Digest is a SHA-256 over the canonical serialisation of the set. Two sets
// with the same digest hold identical entries.
func (s *Set) Digest() [sha256.Size]byte {
	h := sha256.New()
	buf := make([]byte, 0, 128)
	for e := range s.All() {
		buf = buf[:0]
		buf = append(buf, e.Host...)
		buf = append(buf, '\t')
		buf = append(buf, e.Kind.String()...)
		buf = append(buf, '\t')
		if e.Target.IsValid() {
			buf = e.Target.AppendTo(buf)
		}
		buf = append(buf, '\t')
		buf = strconv.AppendInt(buf, e.SourceID, 10)
		buf = append(buf, '\n')
		_, _ = h.Write(buf)
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Provider exposes the current rule set.
type Provider interface {
	Current() *Set
}

// Holder is the process-wide, atomically swappable reference to the
// canonical set. Readers never observe a partially built set.
type Holder struct {
	current atomic.Pointer[Set]
}

// NewHolder returns a Holder containing initial, or the empty set.
func NewHolder(initial *Set) *Holder {
	h := &Holder{}
	if initial == nil {
		initial = Empty()
	}
	h.current.Store(initial)
	return h
}

// Current returns the most recently stored set.
func (h *Holder) Current() *Set {
	if s := h.current.Load(); s != nil {
		return s
	}
	return Empty()
}

// Replace swaps in next and returns the previous set.
func (h *Holder) Replace(next *Set) *Set {
	if next == nil {
		next = Empty()
	}
	if prev := h.current.Swap(next); prev != nil {
		return prev
	}
	return Empty()
}
