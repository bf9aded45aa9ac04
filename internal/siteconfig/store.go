// Package siteconfig holds the per-site activation table. Reads are lock-free;
// Reload swaps in a freshly parsed table or keeps the old one on error.
package siteconfig

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/metrics"
	"github.com/pelletier/go-toml/v2"
)

// file is the on-disk layout:
//
//	[[site]]
//	key = "shutterstock"
//	active = true
//	unit_price = 2.5
type file struct {
	Sites []entry `toml:"site"`
}

type entry struct {
	Key       string  `toml:"key"`
	Active    *bool   `toml:"active"` // defaults to true
	UnitPrice float64 `toml:"unit_price"`
}

type table = map[domain.SiteKey]domain.SiteConfig

type Store struct {
	path   string
	known  []domain.SiteKey
	cur    atomic.Pointer[table]
	logger *slog.Logger
}

// NewStore loads path. With an empty path every known site is active and
// free; with a file, sites it does not list are treated as unconfigured.
func NewStore(path string, known []domain.SiteKey, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		known:  known,
		logger: logger.With("component", "siteconfig"),
	}
	t, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cur.Store(&t)
	return s, nil
}

// Reload re-reads the file. On failure the previous table stays in effect.
func (s *Store) Reload() error {
	t, err := s.load()
	if err != nil {
		metrics.SiteConfigReloadsTotal.WithLabelValues("error").Inc()
		s.logger.Error("site config reload failed, keeping previous table", "path", s.path, "error", err)
		return err
	}
	s.cur.Store(&t)
	metrics.SiteConfigReloadsTotal.WithLabelValues("success").Inc()
	s.logger.Info("site config reloaded", "path", s.path, "sites", len(t))
	return nil
}

func (s *Store) Lookup(site domain.SiteKey) (domain.SiteConfig, bool) {
	c, ok := (*s.cur.Load())[site]
	return c, ok
}

// Sites returns configured sites in provider order.
func (s *Store) Sites() []domain.SiteConfig {
	t := *s.cur.Load()
	out := make([]domain.SiteConfig, 0, len(t))
	for _, k := range s.known {
		if c, ok := t[k]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) load() (table, error) {
	if s.path == "" {
		t := make(table, len(s.known))
		for _, k := range s.known {
			t[k] = domain.SiteConfig{Site: k, Active: true}
		}
		return t, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read site config: %w", err)
	}
	return Parse(data, s.known)
}

// Parse decodes a site table. Unknown fields, unknown sites and repeated
// sites are rejected.
func Parse(data []byte, known []domain.SiteKey) (map[domain.SiteKey]domain.SiteConfig, error) {
	var f file
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var (
			derr      *toml.DecodeError
			strictErr *toml.StrictMissingError
		)
		if errors.As(err, &strictErr) {
			return nil, fmt.Errorf("decode site config: unknown fields:\n%s", strictErr.String())
		}
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("decode site config at %d:%d: %w", row, col, err)
		}
		return nil, fmt.Errorf("decode site config: %w", err)
	}

	t := make(table, len(f.Sites))
	for i, e := range f.Sites {
		key, ok := domain.ParseSiteKey(strings.TrimSpace(e.Key), known)
		if !ok {
			return nil, fmt.Errorf("site #%d: unknown key %q", i+1, e.Key)
		}
		if _, dup := t[key]; dup {
			return nil, fmt.Errorf("site #%d: %q listed twice", i+1, key)
		}
		if e.UnitPrice < 0 {
			return nil, fmt.Errorf("site %q: unit_price must not be negative", key)
		}
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		t[key] = domain.SiteConfig{Site: key, Active: active, UnitPrice: e.UnitPrice}
	}
	return t, nil
}
