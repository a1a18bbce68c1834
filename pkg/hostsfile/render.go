package hostsfile

import (
	"bytes"

	"hostguard/pkg/rules"
)

const (
	sectionBegin = "# hostguard begin"
	sectionEnd   = "# hostguard end"
	blockAddress = "0.0.0.0"
)

// Render appends the rule section to the original hosts content. Allow rules
// are omitted; they only exist to cancel blocks during the merge. The output
// depends only on its inputs, so installing the same set twice yields the
// same file.
func Render(original []byte, set *rules.Set) []byte {
	var b bytes.Buffer
	b.Grow(len(original) + set.Len()*32)
	b.Write(original)
	if len(original) > 0 && original[len(original)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString(sectionBegin)
	b.WriteByte('\n')
	for e := range set.All() {
		switch e.Kind {
		case rules.Block:
			b.WriteString(blockAddress)
		case rules.Redirect:
			b.WriteString(e.Target.String())
		default:
			continue
		}
		b.WriteByte(' ')
		b.WriteString(e.Host)
		b.WriteByte('\n')
	}
	b.WriteString(sectionEnd)
	b.WriteByte('\n')
	return b.Bytes()
}
