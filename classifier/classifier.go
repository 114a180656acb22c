// Package classifier wraps the external content-classification service.
//
// The client is deliberately fail-open: a missing credential or a service
// outage must never halt message flow. Degraded results are marked
// Unchecked so operators can tell "verified clean" from "never evaluated".
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"

	"github.com/chatsafe-net/chatsafe/util"
)

// Verdict is the classification result for one message's content.
// Ephemeral: one per evaluation, no independent lifecycle.
type Verdict struct {
	Flagged bool
	// Reason is the comma-joined set of flagged category names (sorted),
	// or "General policy violation" when flagged without categories.
	// Empty when not flagged.
	Reason string
	// Categories carries all category names the service marked true,
	// advisory only.
	Categories []string
	// Unchecked is true when the content was never actually evaluated
	// (degraded mode). Distinct from a real negative result.
	Unchecked bool
}

const DefaultHost = "https://api.openai.com"

type Client struct {
	Client   *http.Client
	Host     string
	ApiToken string
	Limiter  *rate.Limiter
	Logger   *slog.Logger
}

// NewClient returns a moderation-endpoint client. An empty token puts the
// client into degraded mode rather than failing: every call short-circuits
// to an unchecked non-flag verdict.
func NewClient(host, token string, logger *slog.Logger) *Client {
	if host == "" {
		host = DefaultHost
	}
	if token == "" {
		logger.Warn("classifier credential not configured, running fail-open: messages will not be checked")
	}
	return &Client{
		Client:   util.RobustHTTPClient(),
		Host:     host,
		ApiToken: token,
		Limiter:  rate.NewLimiter(rate.Limit(10), 10),
		Logger:   logger,
	}
}

// Degraded reports whether the client is running without a credential.
func (c *Client) Degraded() bool {
	return c.ApiToken == ""
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResp struct {
	Results []moderationResult `json:"results"`
}

type moderationResult struct {
	Flagged    bool            `json:"flagged"`
	Categories map[string]bool `json:"categories"`
}

// Classify evaluates content and returns a verdict. Business-level
// negatives are not errors; an error return means the service itself
// failed and the caller should treat the message as unchecked.
func (c *Client) Classify(ctx context.Context, content string) (*Verdict, error) {
	if strings.TrimSpace(content) == "" {
		return &Verdict{Flagged: false, Reason: "empty content"}, nil
	}
	if c.Degraded() {
		return &Verdict{Flagged: false, Reason: "classifier unavailable", Unchecked: true}, nil
	}

	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(moderationRequest{Input: content})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/v1/moderations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.ApiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "chatsafe/"+versioninfo.Short())

	start := time.Now()
	defer func() {
		classifyDuration.Observe(time.Since(start).Seconds())
	}()

	res, err := c.Client.Do(req)
	if err != nil {
		classifyCount.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("moderation request failed: %w", err)
	}
	defer res.Body.Close()

	classifyCount.WithLabelValues(fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("moderation request failed, statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading moderation response: %w", err)
	}
	var respObj moderationResp
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("parsing moderation response JSON: %w", err)
	}
	if len(respObj.Results) == 0 {
		return nil, fmt.Errorf("moderation response contained no results")
	}

	result := respObj.Results[0]
	verdict := summarizeVerdict(result)
	if verdict.Flagged {
		c.Logger.Debug("content flagged by classifier", "reason", verdict.Reason)
	}
	return verdict, nil
}

// summarizeVerdict maps one service result to a verdict. Flagged category
// names are sorted so the reason string is deterministic.
func summarizeVerdict(result moderationResult) *Verdict {
	var cats []string
	for name, val := range result.Categories {
		if val {
			cats = append(cats, name)
		}
	}
	sort.Strings(cats)

	if !result.Flagged {
		return &Verdict{Flagged: false, Reason: "", Categories: cats}
	}
	reason := strings.Join(cats, ", ")
	if reason == "" {
		reason = "General policy violation"
	}
	return &Verdict{Flagged: true, Reason: reason, Categories: cats}
}
