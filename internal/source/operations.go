package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// Operations builds the per-stage pipeline.Operation functions from the
// domain collaborators. Each operation consumes the payload format its
// predecessor seeded: a URL for discover/extract, a Posting JSON document
// for classify, and a ClassifiedPosting JSON document for index.
type Operations struct {
	Fetcher     pipeline.Fetcher
	Extractor   pipeline.Extractor
	Classifier  pipeline.Classifier
	Blobs       pipeline.BlobStore
	Hasher      pipeline.Hasher
	Prefix      string
	ContentType string
}

// Discover fetches one search results page and seeds the extract stage with
// the detail URLs found on it.
func (o Operations) Discover() pipeline.Operation {
	return func(ctx context.Context, item pipeline.WorkItem) (pipeline.StageResult, error) {
		res, err := o.Fetcher.Fetch(ctx, item.Payload)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		uri, err := o.archive(ctx, item, res.Body)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		links, err := ListingLinks(item.Payload, res.Body)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		derived := make([]pipeline.WorkItem, 0, len(links))
		for _, link := range links {
			id, err := ItemID(o.Hasher, link)
			if err != nil {
				return pipeline.StageResult{}, err
			}
			derived = append(derived, pipeline.WorkItem{
				ID:      id,
				Stage:   pipeline.StageExtract,
				Payload: link,
				Status:  pipeline.StatusPending,
			})
		}
		return pipeline.StageResult{ArtifactRef: uri, Derived: derived}, nil
	}
}

// Extract fetches one detail page, archives it, and seeds the classify stage
// with the structured posting.
func (o Operations) Extract() pipeline.Operation {
	return func(ctx context.Context, item pipeline.WorkItem) (pipeline.StageResult, error) {
		res, err := o.Fetcher.Fetch(ctx, item.Payload)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		uri, err := o.archive(ctx, item, res.Body)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		posting, err := o.Extractor.Extract(ctx, item.Payload, res.Body)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		posting.BlobURI = uri
		payload, err := json.Marshal(posting)
		if err != nil {
			return pipeline.StageResult{}, fmt.Errorf("marshal posting: %w", err)
		}
		return pipeline.StageResult{
			ArtifactRef: uri,
			Derived: []pipeline.WorkItem{{
				ID:      posting.ID,
				Stage:   pipeline.StageClassify,
				Payload: string(payload),
				Status:  pipeline.StatusPending,
			}},
		}, nil
	}
}

// Classify labels one posting and seeds the index stage.
func (o Operations) Classify() pipeline.Operation {
	return func(ctx context.Context, item pipeline.WorkItem) (pipeline.StageResult, error) {
		var posting pipeline.Posting
		if err := json.Unmarshal([]byte(item.Payload), &posting); err != nil {
			return pipeline.StageResult{}, pipeline.Malformed(fmt.Errorf("decode posting payload: %w", err))
		}
		labels, err := o.Classifier.Classify(ctx, posting)
		if err != nil {
			return pipeline.StageResult{}, err
		}
		doc := pipeline.ClassifiedPosting{Posting: posting, Labels: labels}
		payload, err := json.Marshal(doc)
		if err != nil {
			return pipeline.StageResult{}, fmt.Errorf("marshal classified posting: %w", err)
		}
		return pipeline.StageResult{
			Derived: []pipeline.WorkItem{{
				ID:      posting.ID,
				Stage:   pipeline.StageIndex,
				Payload: string(payload),
				Status:  pipeline.StatusPending,
			}},
		}, nil
	}
}

// Index hands one classified posting to the batch writer.
func (o Operations) Index() pipeline.Operation {
	return func(_ context.Context, item pipeline.WorkItem) (pipeline.StageResult, error) {
		var doc pipeline.ClassifiedPosting
		if err := json.Unmarshal([]byte(item.Payload), &doc); err != nil {
			return pipeline.StageResult{}, pipeline.Malformed(fmt.Errorf("decode classified payload: %w", err))
		}
		return pipeline.StageResult{Records: []any{doc}}, nil
	}
}

// ByStage returns the operation for a stage.
func (o Operations) ByStage(stage pipeline.Stage) (pipeline.Operation, error) {
	switch stage {
	case pipeline.StageDiscover:
		return o.Discover(), nil
	case pipeline.StageExtract:
		return o.Extract(), nil
	case pipeline.StageClassify:
		return o.Classify(), nil
	case pipeline.StageIndex:
		return o.Index(), nil
	default:
		return nil, fmt.Errorf("no operation for stage %q", stage)
	}
}

// archive stores a fetched page body content-addressed under the item.
func (o Operations) archive(ctx context.Context, item pipeline.WorkItem, body []byte) (string, error) {
	if o.Blobs == nil {
		return "", nil
	}
	digest, err := o.Hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	prefix := o.Prefix
	if prefix == "" {
		prefix = "pages"
	}
	path := fmt.Sprintf("%s/%s/%s/%s.html", prefix, item.Stage, item.ID, digest[:16])
	uri, err := o.Blobs.PutObject(ctx, path, o.ContentType, body)
	if err != nil {
		return "", pipeline.Storage(fmt.Errorf("archive page: %w", err))
	}
	return uri, nil
}
