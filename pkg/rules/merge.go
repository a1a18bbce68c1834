package rules

// SourceEntries is the parsed output of one enabled source.
type SourceEntries struct {
	SourceID int64
	Entries  []Entry
}

type candidate struct {
	allow, block, redirect          bool
	allowSrc, blockSrc, redirectSrc int64
	target                          Entry
}

// Merge reduces the entries of all enabled sources into one canonical set.
// For each host:
//   - an allow from any source wins over block and redirect;
//   - otherwise a redirect wins over a block, and among redirects the source
//     with the lowest ID wins (ties inside one source pick the smallest target);
//   - identical entries collapse.
//
// The winning entry keeps the lowest source ID that contributed its kind.
// Merge is a pure function of its input; the order of inputs and of entries
// inside an input does not affect the result.
func Merge(inputs []SourceEntries) *Set {
	acc := make(map[string]*candidate)
	for _, in := range inputs {
		for _, e := range in.Entries {
			if !e.Valid() {
				continue
			}
			c := acc[e.Host]
			if c == nil {
				c = &candidate{}
				acc[e.Host] = c
			}
			src := in.SourceID
			switch e.Kind {
			case Allow:
				if !c.allow || src < c.allowSrc {
					c.allow, c.allowSrc = true, src
				}
			case Block:
				if !c.block || src < c.blockSrc {
					c.block, c.blockSrc = true, src
				}
			case Redirect:
				if !c.redirect || src < c.redirectSrc ||
					(src == c.redirectSrc && e.Target.Less(c.target.Target)) {
					c.redirect, c.redirectSrc = true, src
					c.target = e
				}
			}
		}
	}

	merged := make([]Entry, 0, len(acc))
	for host, c := range acc {
		switch {
		case c.allow:
			merged = append(merged, Entry{Host: host, Kind: Allow, SourceID: c.allowSrc})
		case c.redirect:
			merged = append(merged, Entry{Host: host, Kind: Redirect, Target: c.target.Target, SourceID: c.redirectSrc})
		case c.block:
			merged = append(merged, Entry{Host: host, Kind: Block, SourceID: c.blockSrc})
		}
	}
	return NewSet(merged)
}
