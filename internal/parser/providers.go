package parser

import (
	"regexp"

	"github.com/ErlanBelekov/stockorder/internal/domain"
)

// Provider describes how to recognize one stock site. Patterns are tried in
// order against the full URL; the first capture group is the stock id.
type Provider struct {
	Site     domain.SiteKey
	Domains  []string
	Patterns []*regexp.Regexp
	// Sample is a known-good URL, used in docs and tests.
	Sample string
}

// providers is the closed, versioned table. New sites are appended here;
// parsing control flow never changes.
var providers = []Provider{
	{
		Site:    domain.SiteShutterstock,
		Domains: []string{"shutterstock.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)/(?:image-photo|image-vector|image-illustration|image-generated|editorial|video/clip|music/track)/[^?#]*?-(\d+)(?:[/?#]|$)`),
			regexp.MustCompile(`(?i)/(?:pic|clip)-(\d+)`),
			regexp.MustCompile(`(?i)[?&](?:id|image_id)=(\d+)`),
			regexp.MustCompile(`-(\d{5,})(?:[/?#]|$)`),
		},
		Sample: "https://www.shutterstock.com/image-photo/sample-123456",
	},
	{
		Site:    domain.SiteAdobeStock,
		Domains: []string{"stock.adobe.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)/(?:images|video|templates|3d-assets|audio)/[^/?#]+/(\d+)`),
			regexp.MustCompile(`(?i)[?&]asset_id=(\d+)`),
			regexp.MustCompile(`/(\d{6,})(?:[/?#]|$)`),
		},
		Sample: "https://stock.adobe.com/images/mountain-lake-at-sunrise/287234512",
	},
	{
		Site:    domain.SiteIStock,
		Domains: []string{"istockphoto.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)-gm(\d+)-`),
			regexp.MustCompile(`(?i)/(?:photo|vector|video|illustration)/[^/?#]*?-(\d{6,})(?:[/?#]|$)`),
		},
		Sample: "https://www.istockphoto.com/photo/business-team-meeting-gm1146473249-309171263",
	},
	{
		Site:    domain.SiteGettyImages,
		Domains: []string{"gettyimages.com", "gettyimages.co.uk", "gettyimages.de", "gettyimages.fr", "gettyimages.ca", "gettyimages.com.au"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)/detail/[^/?#]+/[^/?#]+/(\d+)`),
			regexp.MustCompile(`(?i)/detail/(\d+)`),
		},
		Sample: "https://www.gettyimages.com/detail/photo/city-skyline-at-night-royalty-free-image/1395153578",
	},
	{
		Site:    domain.SiteFreepik,
		Domains: []string{"freepik.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)_(\d+)\.htm`),
			regexp.MustCompile(`(?i)/(?:free-photo|premium-photo|free-vector|premium-vector|free-psd|premium-psd|free-ai-image|premium-ai-image)/[^?#]*?_(\d+)`),
		},
		Sample: "https://www.freepik.com/free-photo/abstract-background_21072583.htm",
	},
	{
		Site:    domain.SiteDepositphotos,
		Domains: []string{"depositphotos.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)depositphotos\.com/(?:[a-z-]+/)?(\d+)/`),
			regexp.MustCompile(`(?i)/[^/?#]*?-(\d+)\.html`),
			regexp.MustCompile(`(?i)depositphotos_(\d+)`),
		},
		Sample: "https://depositphotos.com/photo/happy-family-on-the-beach-123456789.html",
	},
	{
		Site:    domain.Site123RF,
		Domains: []string{"123rf.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)/photo_(\d+)_`),
			regexp.MustCompile(`(?i)[?&]mediapopup=(\d+)`),
		},
		Sample: "https://www.123rf.com/photo_98765432_colorful-balloons-in-the-sky.html",
	},
	{
		Site:    domain.SiteDreamstime,
		Domains: []string{"dreamstime.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)-(?:image|illustration|video|vector)(\d+)(?:[.?#/]|$)`),
		},
		Sample: "https://www.dreamstime.com/stock-photo-green-forest-image104763532",
	},
	{
		Site:    domain.SiteAlamy,
		Domains: []string{"alamy.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)-image(\d+)\.html`),
			regexp.MustCompile(`(?i)/stock-photo/[^?#]*?-([A-Z0-9]{6,8})\.html`),
		},
		Sample: "https://www.alamy.com/stock-photo-old-harbour-at-dawn-image123456789.html",
	},
	{
		Site:    domain.SiteVecteezy,
		Domains: []string{"vecteezy.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)/(?:vector-art|photo|video|png|free-vector|free-photos)/(\d+)-`),
		},
		Sample: "https://www.vecteezy.com/vector-art/4141669-abstract-geometric-pattern",
	},
	{
		Site:    domain.SiteRawpixel,
		Domains: []string{"rawpixel.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)/image/(\d+)`),
		},
		Sample: "https://www.rawpixel.com/image/5929412/vintage-botanical-illustration",
	},
	{
		Site:    domain.SitePond5,
		Domains: []string{"pond5.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)/item/(\d+)`),
		},
		Sample: "https://www.pond5.com/stock-footage/item/12345678-aerial-view-ocean-waves",
	},
	{
		Site:    domain.SiteEnvato,
		Domains: []string{"elements.envato.com"},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`-([A-Z0-9]{7,})(?:[/?#]|$)`),
		},
		Sample: "https://elements.envato.com/modern-office-workspace-ABCD123",
	},
}

// Providers returns a copy of the provider table.
func Providers() []Provider {
	out := make([]Provider, len(providers))
	copy(out, providers)
	return out
}

// SiteKeys lists every supported site in table order.
func SiteKeys() []domain.SiteKey {
	keys := make([]domain.SiteKey, len(providers))
	for i, p := range providers {
		keys[i] = p.Site
	}
	return keys
}

func (p Provider) matchesHost(host string) bool {
	for _, d := range p.Domains {
		if host == d || len(host) > len(d) && host[len(host)-len(d)-1] == '.' && host[len(host)-len(d):] == d {
			return true
		}
	}
	return false
}

func (p Provider) extractID(rawURL string) (string, bool) {
	for _, re := range p.Patterns {
		m := re.FindStringSubmatch(rawURL)
		if len(m) > 1 && m[1] != "" {
			return m[1], true
		}
	}
	return "", false
}
