package domain

import "strings"

// SiteKey identifies one of the stock-media providers the parser recognizes.
type SiteKey string

const (
	SiteShutterstock  SiteKey = "shutterstock"
	SiteAdobeStock    SiteKey = "adobestock"
	SiteIStock        SiteKey = "istock"
	SiteGettyImages   SiteKey = "gettyimages"
	SiteFreepik       SiteKey = "freepik"
	SiteDepositphotos SiteKey = "depositphotos"
	Site123RF         SiteKey = "123rf"
	SiteDreamstime    SiteKey = "dreamstime"
	SiteAlamy         SiteKey = "alamy"
	SiteVecteezy      SiteKey = "vecteezy"
	SiteRawpixel      SiteKey = "rawpixel"
	SitePond5         SiteKey = "pond5"
	SiteEnvato        SiteKey = "envato"
)

// ParseSiteKey matches s case-insensitively against keys. ok is false for
// anything outside the set.
func ParseSiteKey(s string, keys []SiteKey) (SiteKey, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range keys {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// SiteConfig gates submission per provider. It is owned by an external
// configuration source and only read here.
type SiteConfig struct {
	Site      SiteKey `json:"site"`
	Active    bool    `json:"active"`
	UnitPrice float64 `json:"unit_price"`
}
