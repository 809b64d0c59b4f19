package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jobsift/jobsift/internal/pipeline"
)

const classifierSystemPrompt = `You are a job classification assistant. ` +
	`Analyze the job posting and return ONLY a valid JSON object with this ` +
	`structure: {"category": "...", "seniority": "...", "remote": true|false, ` +
	`"salary_band": "..."}. Category is the posting's primary department ` +
	`(engineering, data, product, design, sales, marketing, operations, other). ` +
	`Seniority is one of: intern, junior, mid, senior, staff, lead, executive. ` +
	`salary_band may be empty when the posting lists no compensation.`

// ClassifierConfig points at an OpenAI-compatible chat completions API.
type ClassifierConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// ChatClassifier implements pipeline.Classifier against an OpenAI-compatible
// chat completions endpoint.
type ChatClassifier struct {
	cfg    ClassifierConfig
	client *http.Client
}

// NewChatClassifier builds a ChatClassifier.
func NewChatClassifier(cfg ClassifierConfig) (*ChatClassifier, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("classifier.base_url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("classifier.model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &ChatClassifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify sends the posting to the model and parses the returned labels.
// Rate limiting maps to QuotaExceeded, server faults to TransientIO, and
// unusable model output to MalformedInput.
func (c *ChatClassifier) Classify(ctx context.Context, posting pipeline.Posting) (pipeline.Labels, error) {
	postingJSON, err := json.Marshal(posting)
	if err != nil {
		return pipeline.Labels{}, fmt.Errorf("marshal posting: %w", err)
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: string(postingJSON)},
		},
	})
	if err != nil {
		return pipeline.Labels{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return pipeline.Labels{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Labels{}, pipeline.Canceled(fmt.Errorf("classify: %w", ctx.Err()))
		}
		return pipeline.Labels{}, pipeline.Transient(fmt.Errorf("classify request: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return pipeline.Labels{}, pipeline.Quota(fmt.Errorf("classify API %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode >= 500:
		return pipeline.Labels{}, pipeline.Transient(fmt.Errorf("classify API %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode != http.StatusOK:
		return pipeline.Labels{}, pipeline.Malformed(fmt.Errorf("classify API %d: %s", resp.StatusCode, truncate(body)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return pipeline.Labels{}, pipeline.Malformed(fmt.Errorf("unmarshal response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return pipeline.Labels{}, pipeline.Malformed(fmt.Errorf("classify: response has no choices"))
	}

	labels, err := parseLabels(parsed.Choices[0].Message.Content)
	if err != nil {
		return pipeline.Labels{}, pipeline.Malformed(fmt.Errorf("classify %s: %w", posting.ID, err))
	}
	return labels, nil
}

// parseLabels decodes the model output, repairing common wrapping first:
// markdown code fences and leading prose around the JSON object.
func parseLabels(content string) (pipeline.Labels, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return pipeline.Labels{}, fmt.Errorf("no JSON object in model output %q", truncate([]byte(content)))
	}

	var labels pipeline.Labels
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &labels); err != nil {
		return pipeline.Labels{}, fmt.Errorf("decode labels: %w", err)
	}
	if labels.Category == "" {
		return pipeline.Labels{}, fmt.Errorf("model output missing category")
	}
	return labels, nil
}

// FallbackClassifier labels postings with keyword heuristics. It stands in
// when no inference endpoint is configured, so development setups can run the
// full pipeline without an API key.
type FallbackClassifier struct{}

var categoryKeywords = map[string][]string{
	"engineering": {"engineer", "developer", "swe", "software"},
	"data":        {"data", "analytics", "machine learning", "scientist"},
	"product":     {"product manager", "product owner"},
	"design":      {"designer", "ux", "ui"},
	"sales":       {"sales", "account executive"},
	"marketing":   {"marketing", "growth", "seo"},
	"operations":  {"operations", "support", "hr", "recruiter"},
}

var seniorityKeywords = []struct {
	label string
	terms []string
}{
	{"intern", []string{"intern"}},
	{"executive", []string{"vp ", "chief", "head of", "director"}},
	{"staff", []string{"staff", "principal"}},
	{"lead", []string{"lead"}},
	{"senior", []string{"senior", "sr."}},
	{"junior", []string{"junior", "jr.", "entry"}},
}

// Classify derives labels from the posting text alone.
func (FallbackClassifier) Classify(_ context.Context, posting pipeline.Posting) (pipeline.Labels, error) {
	title := strings.ToLower(posting.Title)
	labels := pipeline.Labels{Category: "other", Seniority: "mid"}
	for category, terms := range categoryKeywords {
		for _, term := range terms {
			if strings.Contains(title, term) {
				labels.Category = category
				break
			}
		}
		if labels.Category != "other" {
			break
		}
	}
	for _, s := range seniorityKeywords {
		for _, term := range s.terms {
			if strings.Contains(title, term) {
				labels.Seniority = s.label
				break
			}
		}
		if labels.Seniority != "mid" {
			break
		}
	}
	location := strings.ToLower(posting.Location)
	labels.Remote = strings.Contains(location, "remote") ||
		strings.Contains(strings.ToLower(posting.Description), "fully remote")
	return labels, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
