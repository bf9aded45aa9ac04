package domain

// ParsedIdentifier is the normalized form of one line of user input.
// Raw is kept verbatim so that parsing it again yields the same value.
type ParsedIdentifier struct {
	Raw       string    `json:"raw"`
	Site      SiteKey   `json:"site,omitempty"`
	ID        string    `json:"id,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Valid     bool      `json:"valid"`
	Error     ErrorKind `json:"error,omitempty"`
}

// Err returns the parse failure as an *Error, or nil for a valid identifier.
func (p ParsedIdentifier) Err() error {
	if p.Valid {
		return nil
	}
	kind := p.Error
	if kind == KindNone {
		kind = KindUnrecognizedFormat
	}
	return &Error{Kind: kind, Op: "parse", Message: p.Raw}
}

// Key is the duplicate-suppression key for stock orders.
func (p ParsedIdentifier) Key() string {
	return "stock:" + string(p.Site) + ":" + p.ID
}
