// Package source implements the domain side of the pipeline: seed URL
// generation, proxied fetching, posting extraction, classification, and
// indexing of job postings.
package source

import (
	"fmt"
	"strings"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// SeedConfig describes the search space seeded into the discover stage.
type SeedConfig struct {
	BaseURL        string
	Categories     []string
	Locations      []string
	PagesPerSearch int
}

// Seeder generates the discover stage's initial work items.
type Seeder struct {
	cfg    SeedConfig
	hasher pipeline.Hasher
}

// NewSeeder constructs a Seeder.
func NewSeeder(cfg SeedConfig, hasher pipeline.Hasher) (*Seeder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source.base_url is required")
	}
	if len(cfg.Categories) == 0 || len(cfg.Locations) == 0 {
		return nil, fmt.Errorf("source.categories and source.locations must be non-empty")
	}
	if cfg.PagesPerSearch <= 0 {
		cfg.PagesPerSearch = 1
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &Seeder{cfg: cfg, hasher: hasher}, nil
}

// Items returns one work item per category/location/page combination. Item
// IDs derive from the URL so repeated seeding is idempotent.
func (s *Seeder) Items() ([]pipeline.WorkItem, error) {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	var items []pipeline.WorkItem
	for _, category := range s.cfg.Categories {
		for _, location := range s.cfg.Locations {
			searchURL := fmt.Sprintf("%s/role/l/%s/%s", base, category, location)
			for page := 1; page <= s.cfg.PagesPerSearch; page++ {
				pageURL := searchURL
				if page > 1 {
					pageURL = fmt.Sprintf("%s?page=%d", searchURL, page)
				}
				id, err := ItemID(s.hasher, pageURL)
				if err != nil {
					return nil, err
				}
				items = append(items, pipeline.WorkItem{
					ID:      id,
					Stage:   pipeline.StageDiscover,
					Payload: pageURL,
					Status:  pipeline.StatusPending,
				})
			}
		}
	}
	return items, nil
}

// ItemID derives a stable work item ID from an identity string. URLs make
// poor filesystem and primary-key material, so items carry a short digest.
func ItemID(hasher pipeline.Hasher, identity string) (string, error) {
	digest, err := hasher.Hash([]byte(identity))
	if err != nil {
		return "", fmt.Errorf("hash identity: %w", err)
	}
	if len(digest) > 24 {
		digest = digest[:24]
	}
	return digest, nil
}
