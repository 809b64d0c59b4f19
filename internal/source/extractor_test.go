package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hashsha256 "github.com/jobsift/jobsift/internal/hash/sha256"
	"github.com/jobsift/jobsift/internal/pipeline"
)

const detailPage = `<!DOCTYPE html>
<html><body>
<div data-test="JobListing">
  <h1>
    Senior   Backend Engineer
  </h1>
  <span class="font-semibold">Acme Robotics</span>
  <ul><li><a href="/location/remote">Remote</a></li></ul>
  <time datetime="2026-08-01T12:00:00Z">Aug 1</time>
</div>
<div id="job-description">
  Build and operate the ingestion
  platform.
</div>
</body></html>`

type frozenClock struct{ t time.Time }

func (c frozenClock) Now() time.Time { return c.t }

func TestExtractParsesDetailPage(t *testing.T) {
	t.Parallel()

	e := NewPostingExtractor(hashsha256.New(), frozenClock{t: time.Unix(1700000000, 0).UTC()})
	posting, err := e.Extract(context.Background(), "https://wellfound.com/jobs/123", []byte(detailPage))
	require.NoError(t, err)

	assert.Equal(t, "Senior Backend Engineer", posting.Title, "whitespace collapses")
	assert.Equal(t, "Acme Robotics", posting.Company)
	assert.Equal(t, "Remote", posting.Location)
	assert.Equal(t, "Build and operate the ingestion platform.", posting.Description)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), posting.PostedAt)
	assert.Equal(t, "https://wellfound.com/jobs/123", posting.URL)
	assert.Len(t, posting.ID, 24)
	assert.Len(t, posting.ContentHash, 64)
}

func TestExtractFallsBackToClockWithoutTimestamp(t *testing.T) {
	t.Parallel()

	page := `<div data-test="JobListing"><h1>Engineer</h1></div>`
	now := time.Unix(1700000000, 0).UTC()
	e := NewPostingExtractor(hashsha256.New(), frozenClock{t: now})

	posting, err := e.Extract(context.Background(), "https://wellfound.com/jobs/9", []byte(page))
	require.NoError(t, err)
	assert.Equal(t, now, posting.PostedAt)
}

func TestExtractMissingListingIsMalformed(t *testing.T) {
	t.Parallel()

	e := NewPostingExtractor(hashsha256.New(), nil)
	_, err := e.Extract(context.Background(), "https://wellfound.com/jobs/9", []byte("<html><body>nothing here</body></html>"))
	require.Error(t, err)
	assert.Equal(t, pipeline.FailMalformed, pipeline.KindOf(err))
}

func TestExtractMissingTitleIsMalformed(t *testing.T) {
	t.Parallel()

	page := `<div data-test="JobListing"><span class="font-semibold">Acme</span></div>`
	e := NewPostingExtractor(hashsha256.New(), nil)
	_, err := e.Extract(context.Background(), "https://wellfound.com/jobs/9", []byte(page))
	require.Error(t, err)
	assert.Equal(t, pipeline.FailMalformed, pipeline.KindOf(err))
}

func TestListingLinks(t *testing.T) {
	t.Parallel()

	page := `<html><body>
	<a class="mr-2 text-brand-burgandy" href="/jobs/1">Job one</a>
	<a class="mr-2 text-brand-burgandy" href="https://wellfound.com/jobs/2">Job two</a>
	<a class="mr-2 text-brand-burgandy" href="/jobs/1">Duplicate</a>
	<a class="mr-2 text-brand-burgandy">No href</a>
	<a class="other" href="/jobs/3">Unrelated link</a>
	</body></html>`

	links, err := ListingLinks("https://wellfound.com/role/l/software-engineer/remote", []byte(page))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://wellfound.com/jobs/1",
		"https://wellfound.com/jobs/2",
	}, links)
}

func TestListingLinksEmptyPage(t *testing.T) {
	t.Parallel()

	links, err := ListingLinks("https://wellfound.com/role/l/x/y", []byte("<html></html>"))
	require.NoError(t, err)
	assert.Empty(t, links)
}
