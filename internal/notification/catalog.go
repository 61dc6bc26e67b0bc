package notification

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type CatalogEntry struct {
	Type          domain.NotificationType `yaml:"type"`
	Priority      domain.Priority         `yaml:"priority"`
	Channels      []domain.Channel        `yaml:"channels"`
	Groupable     bool                    `yaml:"groupable"`
	ExpiresInDays int                     `yaml:"expires_in_days"`
}

// Catalog holds the per type defaults. Every known type has exactly one entry.
type Catalog struct {
	entries map[domain.NotificationType]CatalogEntry
}

// LoadCatalog reads path, or the embedded catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	raw := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		raw = b
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var doc struct {
		Types []CatalogEntry `yaml:"types"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{entries: make(map[domain.NotificationType]CatalogEntry, len(doc.Types))}
	for _, e := range doc.Types {
		if !e.Type.Valid() {
			return nil, fmt.Errorf("catalog: unknown type %q", e.Type)
		}
		if _, dup := c.entries[e.Type]; dup {
			return nil, fmt.Errorf("catalog: duplicate entry for %s", e.Type)
		}
		if !e.Priority.Valid() {
			return nil, fmt.Errorf("catalog: %s has invalid priority %q", e.Type, e.Priority)
		}
		for _, ch := range e.Channels {
			if !ch.Valid() {
				return nil, fmt.Errorf("catalog: %s has invalid channel %q", e.Type, ch)
			}
		}
		if e.ExpiresInDays < 0 {
			return nil, fmt.Errorf("catalog: %s has negative expires_in_days", e.Type)
		}
		c.entries[e.Type] = e
	}
	for _, t := range domain.NotificationTypes {
		if _, ok := c.entries[t]; !ok {
			return nil, fmt.Errorf("catalog: missing entry for %s", t)
		}
	}
	return c, nil
}

func (c *Catalog) Lookup(t domain.NotificationType) (CatalogEntry, bool) {
	e, ok := c.entries[t]
	return e, ok
}
