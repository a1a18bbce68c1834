// Package parser turns raw list text into typed rule entries.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"hostguard/pkg/rules"
	"hostguard/pkg/sources"
)

const maxLineLength = 1 << 20

var (
	errEmptyEntry   = errors.New("empty entry")
	errInvalidHost  = errors.New("invalid hostname")
	errIPLiteral    = errors.New("ip literals are not host names")
	errInvalidIP    = errors.New("invalid ip address")
	errMissingHost  = errors.New("missing host name")
	errTrailingData = errors.New("unexpected trailing data")
)

// Options configures a Parser.
type Options struct {
	Format     sources.Format
	ListID     string
	Logger     *slog.Logger
	ErrorLimit int
}

// Stats summarises list parsing results.
type Stats struct {
	TotalLines int
	Entries    int
	Invalid    int
	Ignored    int
}

// Parser streams entries out of one list body. A Parser is single use.
type Parser struct {
	opts    Options
	log     *slog.Logger
	limiter errorLimiter
	stats   Stats
	err     error
}

type errorLimiter struct {
	limit int
	count int
}

// New creates a Parser for the given format.
func New(opts Options) *Parser {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Parser{
		opts:    opts,
		log:     log,
		limiter: errorLimiter{limit: opts.ErrorLimit},
	}
}

// Entries returns a lazy sequence of entries read from r. Malformed lines are
// counted and skipped. Check Err after the sequence is exhausted.
func (p *Parser) Entries(r io.Reader) iter.Seq[rules.Entry] {
	return func(yield func(rules.Entry) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

		stopped := false
		emit := func(e rules.Entry) bool {
			p.stats.Entries++
			if !yield(e) {
				stopped = true
			}
			return !stopped
		}

		for lineNum := 1; scanner.Scan(); lineNum++ {
			p.stats.TotalLines++
			line := strings.TrimSpace(stripBOM(scanner.Text()))
			if line == "" {
				continue
			}

			var err error
			switch p.opts.Format {
			case sources.FormatHostsFile:
				err = p.hostsLine(line, emit)
			case sources.FormatDomainList:
				err = p.domainLine(line, emit)
			case sources.FormatAdblockPlus:
				err = p.adblockLine(line, emit)
			default:
				p.err = fmt.Errorf("unsupported format %s", p.opts.Format)
				return
			}
			if err != nil {
				p.stats.Invalid++
				p.limiter.log(p.log, p.opts.ListID, lineNum, line, err)
			}
			if stopped {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			p.err = fmt.Errorf("scan list: %w", err)
			return
		}
		p.limiter.summary(p.log, p.opts.ListID, p.stats.Invalid)
		p.log.Info("parsed host list", "list", p.opts.ListID, "format", p.opts.Format,
			"entries", p.stats.Entries, "invalid", p.stats.Invalid, "ignored", p.stats.Ignored)
	}
}

// Stats returns the counters collected so far.
func (p *Parser) Stats() Stats {
	return p.stats
}

// Err returns the first read error, if any. Malformed lines are not errors.
func (p *Parser) Err() error {
	return p.err
}

// ParseAll drains the whole list into a slice.
func ParseAll(r io.Reader, opts Options) ([]rules.Entry, Stats, error) {
	p := New(opts)
	var out []rules.Entry
	for e := range p.Entries(r) {
		out = append(out, e)
	}
	return out, p.Stats(), p.Err()
}

func (l *errorLimiter) log(logger *slog.Logger, listID string, lineNum int, line string, err error) {
	if l.limit == 0 {
		return
	}
	if l.limit > 0 && l.count >= l.limit {
		l.count++
		return
	}
	l.count++
	logger.Warn("invalid list entry", "list", listID, "line", lineNum, "entry", line, "error", err)
}

func (l *errorLimiter) summary(logger *slog.Logger, listID string, invalid int) {
	if l.limit <= 0 {
		return
	}
	if invalid > l.limit {
		logger.Warn("list parsing errors suppressed", "list", listID, "errors", invalid, "logged", l.limit)
	}
}

func stripBOM(line string) string {
	return strings.TrimPrefix(line, "\ufeff")
}

func isCommentLine(line string) bool {
	return strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") || strings.HasPrefix(line, ";")
}

func isCommentToken(token string) bool {
	return strings.HasPrefix(token, "#") || strings.HasPrefix(token, "//") || strings.HasPrefix(token, ";")
}

// fieldsUntilComment splits line and drops everything from the first
// comment token on.
func fieldsUntilComment(line string) []string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if isCommentToken(f) {
			return fields[:i]
		}
		if j := strings.IndexByte(f, '#'); j > 0 {
			fields[i] = f[:j]
			return fields[:i+1]
		}
	}
	return fields
}

func normalizeHost(name string) (string, error) {
	if name == "" {
		return "", errEmptyEntry
	}
	if strings.Contains(name, "://") || strings.ContainsAny(name, "/:*") {
		return "", errInvalidHost
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return "", errIPLiteral
	}
	host := rules.Normalize(name)
	if host == "" {
		return "", errEmptyEntry
	}
	if _, ok := dns.IsDomainName(host); !ok || !validLabels(host) {
		return "", errInvalidHost
	}
	return host, nil
}

// validLabels is stricter than dns.IsDomainName, which accepts any 8-bit
// label. Underscores are allowed since real lists carry them.
func validLabels(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			case c == '-' && i != 0 && i != len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}
