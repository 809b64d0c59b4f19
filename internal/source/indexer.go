package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// db is the subset of pgxpool.Pool the writer needs; pgxmock satisfies it.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostingsConfig controls the connection behind the postings writer.
type PostingsConfig struct {
	DSN   string
	Table string
}

// PostingsWriter upserts classified postings into the Postgres search table.
// It implements both pipeline.BulkWriter (for the batch writer) and
// pipeline.Indexer (for one-off writes).
type PostingsWriter struct {
	pool  db
	table string
}

// NewPostingsWriter connects a pool and returns a writer.
func NewPostingsWriter(ctx context.Context, cfg PostingsConfig) (*PostingsWriter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postings.dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostingsWriterWithPool(pool, cfg.Table)
}

// NewPostingsWriterWithPool constructs a writer from an existing pool
// (primarily for testing).
func NewPostingsWriterWithPool(pool db, table string) (*PostingsWriter, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "postings"
	}
	return &PostingsWriter{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (w *PostingsWriter) Close() {
	if w == nil || w.pool == nil {
		return
	}
	w.pool.Close()
}

const postingsSchema = `
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL,
	company      TEXT NOT NULL DEFAULT '',
	location     TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	posted_at    TIMESTAMPTZ,
	category     TEXT NOT NULL DEFAULT '',
	seniority    TEXT NOT NULL DEFAULT '',
	remote       BOOLEAN NOT NULL DEFAULT false,
	salary_band  TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	blob_uri     TEXT NOT NULL DEFAULT '',
	indexed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %s_category_idx ON %s (category, seniority);
`

// EnsureSchema creates the postings table when missing.
func (w *PostingsWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, fmt.Sprintf(postingsSchema, w.table, w.table, w.table)); err != nil {
		return fmt.Errorf("ensure postings schema: %w", err)
	}
	return nil
}

// BulkUpsert writes all records in one statement so the batch is atomic:
// either every row lands or the statement fails and none do. The collection
// argument is ignored; the table is fixed at construction.
func (w *PostingsWriter) BulkUpsert(ctx context.Context, _ string, records []any) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]pipeline.ClassifiedPosting, 0, len(records))
	for _, record := range records {
		doc, ok := record.(pipeline.ClassifiedPosting)
		if !ok {
			return fmt.Errorf("bulk upsert: unexpected record type %T", record)
		}
		docs = append(docs, doc)
	}

	n := len(docs)
	ids := make([]string, n)
	urls := make([]string, n)
	titles := make([]string, n)
	companies := make([]string, n)
	locations := make([]string, n)
	descriptions := make([]string, n)
	postedAts := make([]time.Time, n)
	categories := make([]string, n)
	seniorities := make([]string, n)
	remotes := make([]bool, n)
	salaryBands := make([]string, n)
	hashes := make([]string, n)
	blobURIs := make([]string, n)
	for i, doc := range docs {
		ids[i] = doc.Posting.ID
		urls[i] = doc.Posting.URL
		titles[i] = doc.Posting.Title
		companies[i] = doc.Posting.Company
		locations[i] = doc.Posting.Location
		descriptions[i] = doc.Posting.Description
		postedAts[i] = doc.Posting.PostedAt
		categories[i] = doc.Labels.Category
		seniorities[i] = doc.Labels.Seniority
		remotes[i] = doc.Labels.Remote
		salaryBands[i] = doc.Labels.SalaryBand
		hashes[i] = doc.Posting.ContentHash
		blobURIs[i] = doc.Posting.BlobURI
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
			(id, url, title, company, location, description, posted_at,
			 category, seniority, remote, salary_band, content_hash, blob_uri, indexed_at)
		SELECT *, now() FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[],
			$6::text[], $7::timestamptz[], $8::text[], $9::text[],
			$10::boolean[], $11::text[], $12::text[], $13::text[])
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			company = EXCLUDED.company,
			location = EXCLUDED.location,
			description = EXCLUDED.description,
			posted_at = EXCLUDED.posted_at,
			category = EXCLUDED.category,
			seniority = EXCLUDED.seniority,
			remote = EXCLUDED.remote,
			salary_band = EXCLUDED.salary_band,
			content_hash = EXCLUDED.content_hash,
			blob_uri = EXCLUDED.blob_uri,
			indexed_at = now()`, w.table)

	if _, err := w.pool.Exec(ctx, query,
		ids, urls, titles, companies, locations, descriptions, postedAts,
		categories, seniorities, remotes, salaryBands, hashes, blobURIs,
	); err != nil {
		return pipeline.Storage(fmt.Errorf("bulk upsert %d postings: %w", n, err))
	}
	return nil
}

// Index writes a single classified posting.
func (w *PostingsWriter) Index(ctx context.Context, doc pipeline.ClassifiedPosting) error {
	return w.BulkUpsert(ctx, w.table, []any{doc})
}
