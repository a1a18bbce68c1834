package parser

import (
	"net/netip"
	"strings"

	"hostguard/pkg/rules"
)

// Names that ship in every system hosts file and must never become rules.
var reservedHosts = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"local":                 {},
	"broadcasthost":         {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
	"ip6-localnet":          {},
	"ip6-mcastprefix":       {},
	"ip6-allnodes":          {},
	"ip6-allrouters":        {},
	"ip6-allhosts":          {},
}

// hostsLine handles "<ip> <host> [<host>...]". Loopback and unspecified
// addresses block; any other address redirects.
func (p *Parser) hostsLine(line string, emit func(rules.Entry) bool) error {
	if isCommentLine(line) {
		return nil
	}
	fields := fieldsUntilComment(line)
	if len(fields) == 0 {
		return nil
	}
	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		return errInvalidIP
	}
	if len(fields) < 2 {
		return errMissingHost
	}
	addr = addr.Unmap()

	kind := rules.Redirect
	if addr.IsUnspecified() || addr.IsLoopback() {
		kind = rules.Block
	}

	var firstErr error
	for _, token := range fields[1:] {
		host, err := normalizeHost(token)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, reserved := reservedHosts[host]; reserved {
			p.stats.Ignored++
			continue
		}
		e := rules.Entry{Host: host, Kind: kind}
		if kind == rules.Redirect {
			e.Target = addr
		}
		if !emit(e) {
			return nil
		}
	}
	return firstErr
}

// domainLine handles one host per line. A leading "@", "@@" or "!" marks an
// allow entry.
func (p *Parser) domainLine(line string, emit func(rules.Entry) bool) error {
	if isCommentLine(line) {
		return nil
	}
	kind := rules.Block
	switch {
	case strings.HasPrefix(line, "@@"):
		kind, line = rules.Allow, line[2:]
	case strings.HasPrefix(line, "@"), strings.HasPrefix(line, "!"):
		kind, line = rules.Allow, line[1:]
	}
	fields := fieldsUntilComment(line)
	if len(fields) == 0 {
		return errEmptyEntry
	}
	if len(fields) > 1 {
		return errTrailingData
	}
	host, err := normalizeHost(fields[0])
	if err != nil {
		return err
	}
	if _, reserved := reservedHosts[host]; reserved {
		p.stats.Ignored++
		return nil
	}
	emit(rules.Entry{Host: host, Kind: kind})
	return nil
}

// adblockLine accepts only the "||host^" and "@@||host^" idioms, optionally
// with the "$important" modifier. Every other rule syntax is ignored.
func (p *Parser) adblockLine(line string, emit func(rules.Entry) bool) error {
	if strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") {
		return nil
	}
	if strings.Contains(line, "##") || strings.Contains(line, "#@#") ||
		strings.Contains(line, "#?#") || strings.Contains(line, "#$#") {
		p.stats.Ignored++
		return nil
	}

	kind := rules.Block
	if strings.HasPrefix(line, "@@") {
		kind, line = rules.Allow, line[2:]
	}
	if !strings.HasPrefix(line, "||") {
		p.stats.Ignored++
		return nil
	}
	body := line[2:]

	caret := strings.IndexByte(body, '^')
	if caret < 0 {
		p.stats.Ignored++
		return nil
	}
	switch rest := body[caret+1:]; rest {
	case "", "|", "$important":
	default:
		p.stats.Ignored++
		return nil
	}

	name := body[:caret]
	if strings.ContainsAny(name, "/*|$") {
		p.stats.Ignored++
		return nil
	}
	host, err := normalizeHost(name)
	if err != nil {
		return err
	}
	emit(rules.Entry{Host: host, Kind: kind})
	return nil
}
