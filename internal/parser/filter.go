package parser

import "github.com/ErlanBelekov/stockorder/internal/domain"

// SiteLookup resolves the current configuration of a site.
type SiteLookup interface {
	Lookup(site domain.SiteKey) (domain.SiteConfig, bool)
}

// ApplySiteConfig downgrades valid identifiers whose site is inactive (or has
// no configuration) to site_inactive. Site, id and raw input are preserved so
// the rejected line can still be displayed.
func ApplySiteConfig(ids []domain.ParsedIdentifier, sites SiteLookup) []domain.ParsedIdentifier {
	out := make([]domain.ParsedIdentifier, len(ids))
	for i, id := range ids {
		out[i] = FilterOne(id, sites)
	}
	return out
}

// FilterOne is ApplySiteConfig for a single identifier.
func FilterOne(id domain.ParsedIdentifier, sites SiteLookup) domain.ParsedIdentifier {
	if !id.Valid || sites == nil {
		return id
	}
	cfg, ok := sites.Lookup(id.Site)
	if !ok || !cfg.Active {
		id.Valid = false
		id.Error = domain.KindSiteInactive
	}
	return id
}
