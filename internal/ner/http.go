package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/clinical-extractor/internal/resilience"
)

// Option configures an HTTPModel.
type Option func(*HTTPModel)

// WithToken sets the bearer token sent to the endpoint.
func WithToken(token string) Option {
	return func(m *HTTPModel) { m.token = token }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *HTTPModel) { m.http = hc }
}

// WithRateLimit caps requests per second across all callers.
func WithRateLimit(rps float64, burst int) Option {
	return func(m *HTTPModel) {
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(m *HTTPModel) { m.retry = cfg }
}

// WithBreaker sets the circuit breaker guarding the endpoint.
func WithBreaker(b *resilience.Breaker) Option {
	return func(m *HTTPModel) { m.breaker = b }
}

// HTTPModel calls a token-classification inference endpoint that speaks the
// Hugging Face JSON format.
type HTTPModel struct {
	url     string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewHTTPModel creates a model client for url.
func NewHTTPModel(url string, opts ...Option) *HTTPModel {
	m := &HTTPModel{
		url: url,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(20, 5),
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewBreaker(resilience.BackendNER, resilience.DefaultBreakerConfig()),
	}
	m.retry.OnRetry = resilience.LogRetries(resilience.BackendNER, "predict")
	for _, o := range opts {
		o(m)
	}
	return m
}

type predictRequest struct {
	Inputs     string            `json:"inputs"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// token is one element of the endpoint response. Aggregated responses set
// EntityGroup; raw responses set Entity to a BIO label.
type token struct {
	Entity      string  `json:"entity"`
	EntityGroup string  `json:"entity_group"`
	Score       float64 `json:"score"`
	Word        string  `json:"word"`
	Start       *int    `json:"start"`
	End         *int    `json:"end"`
}

// Predict implements Model.
func (m *HTTPModel) Predict(ctx context.Context, text string) ([]Prediction, error) {
	return resilience.Retry(ctx, m.retry, func(ctx context.Context) ([]Prediction, error) {
		return resilience.Guard(ctx, m.breaker, func(ctx context.Context) ([]Prediction, error) {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "ner: rate limiter wait")
			}
			toks, err := m.call(ctx, text)
			if err != nil {
				return nil, err
			}
			return decode(text, toks), nil
		})
	})
}

func (m *HTTPModel) call(ctx context.Context, text string) ([]token, error) {
	body, err := json.Marshal(predictRequest{Inputs: text})
	if err != nil {
		return nil, eris.Wrap(err, "ner: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ner: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ner: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ner: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("ner: unexpected status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.MarkTransient(err, resp.StatusCode)
		}
		return nil, err
	}

	var toks []token
	if err := json.Unmarshal(respBody, &toks); err != nil {
		return nil, eris.Wrap(err, "ner: unmarshal response")
	}
	return toks, nil
}

// decode turns endpoint tokens into spans. Pre-aggregated groups pass
// through; BIO tokens are merged, including "##" word pieces.
func decode(text string, toks []token) []Prediction {
	var out []Prediction
	var cur *Prediction
	var scores []float64

	flush := func() {
		if cur == nil {
			return
		}
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		cur.Score = sum / float64(len(scores))
		cur.Text = spanText(text, cur.Start, cur.End, cur.Text)
		out = append(out, *cur)
		cur, scores = nil, nil
	}

	for _, t := range toks {
		start, end := offsets(t)
		if t.EntityGroup != "" {
			flush()
			out = append(out, Prediction{
				Label: t.EntityGroup,
				Text:  spanText(text, start, end, t.Word),
				Start: start,
				End:   end,
				Score: t.Score,
			})
			continue
		}

		prefix, label := splitBIO(t.Entity)
		if label == "" {
			flush()
			continue
		}
		piece := strings.HasPrefix(t.Word, "##")
		continues := cur != nil && cur.Label == label && (prefix == "I" || piece)
		if !continues {
			flush()
			cur = &Prediction{Label: label, Text: strings.TrimPrefix(t.Word, "##"), Start: start, End: end}
			scores = []float64{t.Score}
			continue
		}
		if end > cur.End {
			cur.End = end
		}
		if piece {
			cur.Text += strings.TrimPrefix(t.Word, "##")
		} else {
			cur.Text += " " + t.Word
		}
		scores = append(scores, t.Score)
	}
	flush()
	return out
}

func offsets(t token) (int, int) {
	if t.Start == nil || t.End == nil {
		return -1, -1
	}
	return *t.Start, *t.End
}

// splitBIO splits "B-DRUG" into ("B", "DRUG"). Plain labels are treated as
// beginnings; "O" has no label.
func splitBIO(entity string) (string, string) {
	if entity == "" || entity == "O" {
		return "", ""
	}
	if len(entity) > 2 && entity[1] == '-' {
		switch entity[0] {
		case 'B', 'I', 'E', 'S':
			p := string(entity[0])
			if p == "E" {
				p = "I"
			}
			if p == "S" {
				p = "B"
			}
			return p, entity[2:]
		}
	}
	return "B", entity
}

func spanText(text string, start, end int, fallback string) string {
	if start >= 0 && end <= len(text) && start < end {
		return text[start:end]
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
