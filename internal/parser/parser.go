// Package parser normalizes free-form user input into (site, id) pairs.
package parser

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ErlanBelekov/stockorder/internal/domain"
)

var (
	schemePattern = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://`)
	digitsPattern = regexp.MustCompile(`^\d+$`)

	// The prefix needs a letter so "123rf:1" is a token but "12:30" is not.
	tokenPattern = regexp.MustCompile(`^([0-9]*[A-Za-z][A-Za-z0-9]*):(.+)$`)
)

// Options configures a Parser.
type Options struct {
	// DefaultSite receives bare numeric ids. Empty disables the heuristic and
	// bare numbers are reported as unrecognized.
	DefaultSite domain.SiteKey
}

// Parser is stateless apart from its options and safe for concurrent use.
type Parser struct {
	defaultSite domain.SiteKey
}

// New returns a Parser. An unknown DefaultSite disables the bare-number path.
func New(opts Options) *Parser {
	p := &Parser{}
	if site, ok := domain.ParseSiteKey(string(opts.DefaultSite), SiteKeys()); ok {
		p.defaultSite = site
	}
	return p
}

var defaultParser = New(Options{DefaultSite: domain.SiteShutterstock})

// Parse classifies raw with the default parser (bare numbers → shutterstock).
func Parse(raw string) domain.ParsedIdentifier {
	return defaultParser.Parse(raw)
}

// ParseBatch parses every non-blank line of text with the default parser.
func ParseBatch(text string) []domain.ParsedIdentifier {
	return defaultParser.ParseBatch(text)
}

// Parse classifies raw. The first matching form wins: URL, bare numeric id,
// explicit site:id token.
func (p *Parser) Parse(raw string) domain.ParsedIdentifier {
	out := domain.ParsedIdentifier{Raw: raw}
	in := strings.TrimSpace(raw)

	switch {
	case schemePattern.MatchString(in):
		return p.parseURL(out, in)

	case digitsPattern.MatchString(in):
		if p.defaultSite == "" {
			out.Error = domain.KindUnrecognizedFormat
			return out
		}
		out.Site = p.defaultSite
		out.ID = in
		out.Valid = true
		return out

	case tokenPattern.MatchString(in):
		m := tokenPattern.FindStringSubmatch(in)
		site, ok := domain.ParseSiteKey(m[1], SiteKeys())
		if !ok {
			out.Error = domain.KindUnsupportedSite
			return out
		}
		id := strings.TrimSpace(m[2])
		if id == "" {
			out.Site = site
			out.Error = domain.KindIDExtractionFailed
			return out
		}
		out.Site = site
		out.ID = id
		out.Valid = true
		return out
	}

	out.Error = domain.KindUnrecognizedFormat
	return out
}

func (p *Parser) parseURL(out domain.ParsedIdentifier, in string) domain.ParsedIdentifier {
	out.SourceURL = in

	u, err := url.Parse(in)
	if err != nil || u.Hostname() == "" {
		out.Error = domain.KindUnrecognizedFormat
		return out
	}
	host := strings.ToLower(u.Hostname())

	for _, prov := range providers {
		if !prov.matchesHost(host) {
			continue
		}
		out.Site = prov.Site
		id, ok := prov.extractID(in)
		if !ok {
			out.Error = domain.KindIDExtractionFailed
			return out
		}
		out.ID = id
		out.Valid = true
		return out
	}

	out.Error = domain.KindUnsupportedSite
	return out
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// ParseBatch splits text on line boundaries (\n, \r\n or a lone \r) and
// parses each line on its own. Blank lines and lines starting with '#' are skipped.
func (p *Parser) ParseBatch(text string) []domain.ParsedIdentifier {
	lines := strings.Split(lineBreaks.Replace(text), "\n")
	out := make([]domain.ParsedIdentifier, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out = append(out, p.Parse(line))
	}
	return out
}
