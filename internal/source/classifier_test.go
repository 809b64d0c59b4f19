package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobsift/jobsift/internal/pipeline"
)

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClassifier(t *testing.T, baseURL string) *ChatClassifier {
	t.Helper()
	c, err := NewChatClassifier(ClassifierConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	})
	require.NoError(t, err)
	return c
}

func TestChatClassifierParsesLabels(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, http.StatusOK,
		`{"category":"engineering","seniority":"senior","remote":true,"salary_band":"150k-180k"}`)
	c := newTestClassifier(t, srv.URL)

	labels, err := c.Classify(context.Background(), pipeline.Posting{ID: "a", Title: "Senior Engineer"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Labels{
		Category:   "engineering",
		Seniority:  "senior",
		Remote:     true,
		SalaryBand: "150k-180k",
	}, labels)
}

func TestChatClassifierRepairsFencedOutput(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, http.StatusOK,
		"```json\n{\"category\":\"data\",\"seniority\":\"mid\",\"remote\":false}\n```")
	c := newTestClassifier(t, srv.URL)

	labels, err := c.Classify(context.Background(), pipeline.Posting{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "data", labels.Category)
}

func TestChatClassifierStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   pipeline.FailureKind
	}{
		{status: http.StatusTooManyRequests, kind: pipeline.FailQuota},
		{status: http.StatusBadGateway, kind: pipeline.FailTransient},
		{status: http.StatusBadRequest, kind: pipeline.FailMalformed},
	}
	for _, tc := range cases {
		srv := chatServer(t, tc.status, "")
		c := newTestClassifier(t, srv.URL)
		_, err := c.Classify(context.Background(), pipeline.Posting{ID: "a"})
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.kind, pipeline.KindOf(err), "status %d", tc.status)
	}
}

func TestChatClassifierUnusableOutputIsMalformed(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, http.StatusOK, "I cannot classify this posting.")
	c := newTestClassifier(t, srv.URL)

	_, err := c.Classify(context.Background(), pipeline.Posting{ID: "a"})
	require.Error(t, err)
	assert.Equal(t, pipeline.FailMalformed, pipeline.KindOf(err))
}

func TestNewChatClassifierValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChatClassifier(ClassifierConfig{Model: "gpt-4o-mini"})
	require.Error(t, err)
	_, err = NewChatClassifier(ClassifierConfig{BaseURL: "https://api.openai.com/v1"})
	require.Error(t, err)
}

func TestParseLabels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    pipeline.Labels
		wantErr bool
	}{
		{
			name:    "plain object",
			content: `{"category":"product","seniority":"lead","remote":false}`,
			want:    pipeline.Labels{Category: "product", Seniority: "lead"},
		},
		{
			name:    "prose around the object",
			content: `Here you go: {"category":"sales","seniority":"junior","remote":true} Hope that helps!`,
			want:    pipeline.Labels{Category: "sales", Seniority: "junior", Remote: true},
		},
		{
			name:    "fenced without language tag",
			content: "```\n{\"category\":\"design\",\"seniority\":\"mid\",\"remote\":false}\n```",
			want:    pipeline.Labels{Category: "design", Seniority: "mid"},
		},
		{name: "no object", content: "sorry", wantErr: true},
		{name: "missing category", content: `{"seniority":"mid"}`, wantErr: true},
		{name: "broken JSON", content: `{"category": "eng`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			labels, err := parseLabels(tc.content)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, labels)
		})
	}
}

func TestFallbackClassifier(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		posting pipeline.Posting
		want    pipeline.Labels
	}{
		{
			name:    "senior engineer remote",
			posting: pipeline.Posting{Title: "Senior Software Engineer", Location: "Remote - US"},
			want:    pipeline.Labels{Category: "engineering", Seniority: "senior", Remote: true},
		},
		{
			name:    "data scientist",
			posting: pipeline.Posting{Title: "Data Scientist", Location: "New York"},
			want:    pipeline.Labels{Category: "data", Seniority: "mid"},
		},
		{
			name:    "remote from description",
			posting: pipeline.Posting{Title: "Marketing Manager", Description: "We are a fully remote team."},
			want:    pipeline.Labels{Category: "marketing", Seniority: "mid", Remote: true},
		},
		{
			name:    "unrecognized title",
			posting: pipeline.Posting{Title: "Llama Wrangler"},
			want:    pipeline.Labels{Category: "other", Seniority: "mid"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			labels, err := FallbackClassifier{}.Classify(context.Background(), tc.posting)
			require.NoError(t, err)
			assert.Equal(t, tc.want, labels)
		})
	}
}
