package source

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// PostingExtractor implements pipeline.Extractor with goquery selectors
// tuned to the job board's detail page markup.
type PostingExtractor struct {
	hasher pipeline.Hasher
	clock  pipeline.Clock
}

// NewPostingExtractor builds a PostingExtractor.
func NewPostingExtractor(hasher pipeline.Hasher, clock pipeline.Clock) *PostingExtractor {
	return &PostingExtractor{hasher: hasher, clock: clock}
}

// Extract parses a detail page into a Posting. A page missing the listing
// container or a title is malformed, not transient.
func (e *PostingExtractor) Extract(_ context.Context, pageURL string, body []byte) (pipeline.Posting, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pipeline.Posting{}, pipeline.Malformed(fmt.Errorf("parse %s: %w", pageURL, err))
	}

	listing := doc.Find(`div[data-test="JobListing"]`).First()
	if listing.Length() == 0 {
		return pipeline.Posting{}, pipeline.Malformed(fmt.Errorf("extract %s: no listing container", pageURL))
	}

	title := clean(listing.Find("h1").First().Text())
	if title == "" {
		return pipeline.Posting{}, pipeline.Malformed(fmt.Errorf("extract %s: no position title", pageURL))
	}

	posting := pipeline.Posting{
		URL:         pageURL,
		Title:       title,
		Company:     clean(listing.Find("span.font-semibold").First().Text()),
		Location:    clean(listing.Find("ul li a").First().Text()),
		Description: clean(doc.Find("#job-description").First().Text()),
		PostedAt:    e.postedAt(doc),
	}

	id, err := ItemID(e.hasher, pageURL)
	if err != nil {
		return pipeline.Posting{}, err
	}
	posting.ID = id

	digest, err := e.hasher.Hash(body)
	if err != nil {
		return pipeline.Posting{}, fmt.Errorf("hash body: %w", err)
	}
	posting.ContentHash = digest
	return posting, nil
}

// postedAt reads the page's posted-at timestamp when present, falling back
// to extraction time. The board does not always render one.
func (e *PostingExtractor) postedAt(doc *goquery.Document) time.Time {
	if raw, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts.UTC()
		}
	}
	if e.clock != nil {
		return e.clock.Now()
	}
	return time.Now().UTC()
}

// ListingLinks pulls detail page URLs from a search results page.
func ListingLinks(baseURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, pipeline.Malformed(fmt.Errorf("parse listing page: %w", err))
	}
	origin := strings.Split(baseURL, "/role")[0]
	var links []string
	seen := make(map[string]struct{})
	doc.Find("a.mr-2.text-brand-burgandy").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		if strings.HasPrefix(href, "/") {
			href = origin + href
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links, nil
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
