package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChecksClient implements Verifier against a GitHub-style checks API.
type ChecksClient struct {
	baseURL        string
	token          string
	mainline       string
	requiredChecks []string
	client         *http.Client
}

// ClientConfig configures a ChecksClient.
type ClientConfig struct {
	// BaseURL is the API root, e.g. https://api.github.com/repos/acme/leadfactory.
	BaseURL string
	// Token is the bearer token. Empty token makes every Verify fail closed.
	Token string
	// Mainline is the branch commits must be reachable from. Defaults to "main".
	Mainline string
	// RequiredChecks names the checks that must report success.
	RequiredChecks []string
	// Timeout bounds each API call. Defaults to 10s.
	Timeout time.Duration
}

// NewChecksClient creates a checks-API verifier.
func NewChecksClient(cfg ClientConfig) *ChecksClient {
	mainline := cfg.Mainline
	if mainline == "" {
		mainline = "main"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChecksClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		token:          cfg.Token,
		mainline:       mainline,
		requiredChecks: cfg.RequiredChecks,
		client:         &http.Client{Timeout: timeout},
	}
}

// checkRunsResponse matches the relevant fields of a check-runs listing.
type checkRunsResponse struct {
	CheckRuns []struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_runs"`
}

// commitResponse matches the relevant fields of a commit lookup.
type commitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}

// compareResponse matches the relevant fields of a branch comparison.
type compareResponse struct {
	Status string `json:"status"` // "identical", "behind", "ahead", "diverged"
}

func (c *ChecksClient) Verify(ctx context.Context, commit string) (Verification, error) {
	if c.baseURL == "" || c.token == "" {
		// Fail closed: no silent pass without connectivity or credentials.
		return Verification{}, fmt.Errorf("%w: missing base URL or token", ErrCannotVerify)
	}

	v := Verification{Commit: commit}

	var runs checkRunsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/commits/%s/check-runs", c.baseURL, commit), &runs); err != nil {
		return Verification{}, err
	}
	conclusions := make(map[string]string, len(runs.CheckRuns))
	for _, run := range runs.CheckRuns {
		if run.Status == "completed" {
			conclusions[run.Name] = run.Conclusion
		}
	}
	for _, name := range c.requiredChecks {
		v.Checks = append(v.Checks, CheckResult{
			Name:   name,
			Passed: conclusions[name] == "success",
		})
	}

	var cr commitResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/commits/%s", c.baseURL, commit), &cr); err != nil {
		return Verification{}, err
	}
	v.CommittedAt = cr.Commit.Committer.Date

	var cmp compareResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/compare/%s...%s", c.baseURL, c.mainline, commit), &cmp); err != nil {
		return Verification{}, err
	}
	// A commit already merged to mainline compares as identical or behind.
	v.OnMainline = cmp.Status == "identical" || cmp.Status == "behind"

	return v, nil
}

func (c *ChecksClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotVerify, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotVerify, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: API returned %d", ErrCannotVerify, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: API returned %d: %s", ErrCannotVerify, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotVerify, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: parse response: %v", ErrCannotVerify, err)
	}
	return nil
}
