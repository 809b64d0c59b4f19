package source

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmem "github.com/jobsift/jobsift/internal/blob/memory"
	hashsha256 "github.com/jobsift/jobsift/internal/hash/sha256"
	"github.com/jobsift/jobsift/internal/pipeline"
)

// cannedFetcher serves fixed bodies by URL.
type cannedFetcher struct {
	pages map[string]string
}

func (f cannedFetcher) Fetch(_ context.Context, url string) (pipeline.FetchResult, error) {
	body, ok := f.pages[url]
	if !ok {
		return pipeline.FetchResult{}, pipeline.Transient(errors.New("connection refused"))
	}
	return pipeline.FetchResult{URL: url, StatusCode: 200, Body: []byte(body)}, nil
}

func newTestOperations(fetcher pipeline.Fetcher) (Operations, *blobmem.BlobStore) {
	blobs := blobmem.NewBlobStore()
	hasher := hashsha256.New()
	return Operations{
		Fetcher:     fetcher,
		Extractor:   NewPostingExtractor(hasher, frozenClock{t: time.Unix(1700000000, 0).UTC()}),
		Classifier:  FallbackClassifier{},
		Blobs:       blobs,
		Hasher:      hasher,
		Prefix:      "pages",
		ContentType: "text/html",
	}, blobs
}

func TestDiscoverSeedsExtractItems(t *testing.T) {
	t.Parallel()

	searchURL := "https://wellfound.com/role/l/software-engineer/remote"
	ops, blobs := newTestOperations(cannedFetcher{pages: map[string]string{
		searchURL: `<a class="mr-2 text-brand-burgandy" href="/jobs/1">One</a>
			<a class="mr-2 text-brand-burgandy" href="/jobs/2">Two</a>`,
	}})

	result, err := ops.Discover()(context.Background(), pipeline.WorkItem{
		ID: "search1", Stage: pipeline.StageDiscover, Payload: searchURL,
	})
	require.NoError(t, err)

	require.Len(t, result.Derived, 2)
	for _, item := range result.Derived {
		assert.Equal(t, pipeline.StageExtract, item.Stage)
		assert.Len(t, item.ID, 24)
	}
	assert.Equal(t, "https://wellfound.com/jobs/1", result.Derived[0].Payload)
	assert.Equal(t, "https://wellfound.com/jobs/2", result.Derived[1].Payload)

	assert.Contains(t, result.ArtifactRef, "memory://pages/discover/search1/")
	assert.Equal(t, 1, blobs.Len(), "the raw page is archived")
}

func TestDiscoverPropagatesFetchFailure(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(cannedFetcher{})
	_, err := ops.Discover()(context.Background(), pipeline.WorkItem{
		ID: "search1", Stage: pipeline.StageDiscover, Payload: "https://wellfound.com/role/l/x/y",
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.FailTransient, pipeline.KindOf(err))
}

func TestExtractSeedsClassifyItem(t *testing.T) {
	t.Parallel()

	jobURL := "https://wellfound.com/jobs/1"
	ops, _ := newTestOperations(cannedFetcher{pages: map[string]string{
		jobURL: detailPage,
	}})

	result, err := ops.Extract()(context.Background(), pipeline.WorkItem{
		ID: "job1", Stage: pipeline.StageExtract, Payload: jobURL,
	})
	require.NoError(t, err)
	require.Len(t, result.Derived, 1)

	derived := result.Derived[0]
	assert.Equal(t, pipeline.StageClassify, derived.Stage)

	var posting pipeline.Posting
	require.NoError(t, json.Unmarshal([]byte(derived.Payload), &posting))
	assert.Equal(t, "Senior Backend Engineer", posting.Title)
	assert.Equal(t, derived.ID, posting.ID)
	assert.Contains(t, posting.BlobURI, "memory://pages/extract/job1/")
	assert.Equal(t, result.ArtifactRef, posting.BlobURI)
}

func TestClassifySeedsIndexItem(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(cannedFetcher{})
	posting := pipeline.Posting{ID: "job1", Title: "Senior Software Engineer", Location: "Remote"}
	payload, err := json.Marshal(posting)
	require.NoError(t, err)

	result, err := ops.Classify()(context.Background(), pipeline.WorkItem{
		ID: "job1", Stage: pipeline.StageClassify, Payload: string(payload),
	})
	require.NoError(t, err)
	require.Len(t, result.Derived, 1)

	derived := result.Derived[0]
	assert.Equal(t, pipeline.StageIndex, derived.Stage)
	assert.Equal(t, "job1", derived.ID)

	var doc pipeline.ClassifiedPosting
	require.NoError(t, json.Unmarshal([]byte(derived.Payload), &doc))
	assert.Equal(t, "engineering", doc.Labels.Category)
	assert.True(t, doc.Labels.Remote)
}

func TestClassifyRejectsBadPayload(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(cannedFetcher{})
	_, err := ops.Classify()(context.Background(), pipeline.WorkItem{
		ID: "job1", Stage: pipeline.StageClassify, Payload: "not json",
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.FailMalformed, pipeline.KindOf(err))
}

func TestIndexEmitsRecord(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(cannedFetcher{})
	doc := pipeline.ClassifiedPosting{
		Posting: pipeline.Posting{ID: "job1", Title: "Engineer"},
		Labels:  pipeline.Labels{Category: "engineering"},
	}
	payload, err := json.Marshal(doc)
	require.NoError(t, err)

	result, err := ops.Index()(context.Background(), pipeline.WorkItem{
		ID: "job1", Stage: pipeline.StageIndex, Payload: string(payload),
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, doc, result.Records[0])
	assert.Empty(t, result.Derived, "index is the final stage")
}

func TestIndexRejectsBadPayload(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(cannedFetcher{})
	_, err := ops.Index()(context.Background(), pipeline.WorkItem{
		ID: "job1", Stage: pipeline.StageIndex, Payload: "{broken",
	})
	require.Error(t, err)
	assert.Equal(t, pipeline.FailMalformed, pipeline.KindOf(err))
}

func TestByStage(t *testing.T) {
	t.Parallel()

	ops, _ := newTestOperations(cannedFetcher{})
	for _, stage := range pipeline.Stages {
		op, err := ops.ByStage(stage)
		require.NoError(t, err, "stage %s", stage)
		require.NotNil(t, op)
	}
	_, err := ops.ByStage(pipeline.Stage("transmogrify"))
	require.Error(t, err)
}

func TestArchiveSkipsWithoutBlobStore(t *testing.T) {
	t.Parallel()

	searchURL := "https://wellfound.com/role/l/software-engineer/remote"
	ops, _ := newTestOperations(cannedFetcher{pages: map[string]string{
		searchURL: `<a class="mr-2 text-brand-burgandy" href="/jobs/1">One</a>`,
	}})
	ops.Blobs = nil

	result, err := ops.Discover()(context.Background(), pipeline.WorkItem{
		ID: "search1", Stage: pipeline.StageDiscover, Payload: searchURL,
	})
	require.NoError(t, err)
	assert.Empty(t, result.ArtifactRef)
	require.Len(t, result.Derived, 1)
}
