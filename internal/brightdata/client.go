// Package brightdata talks to the Bright Data dataset API to refresh creator
// profiles, and drives the batched refresh worker used by the pipeline.
package brightdata

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/resilience"
)

// DefaultBaseURL is the dataset API root.
const DefaultBaseURL = "https://api.brightdata.com/datasets/v3"

// ClientConfig configures a dataset API client for one platform dataset.
type ClientConfig struct {
	APIKey       string
	DatasetID    string
	BaseURL      string
	PollInterval time.Duration
	MaxURLs      int
	HTTPClient   *http.Client
}

// Client triggers, polls, and downloads dataset snapshots.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient validates the config and returns a dataset client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, eris.New("brightdata: api key is required")
	}
	if cfg.DatasetID == "" {
		return nil, eris.New("brightdata: dataset id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 50
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// CanonicalizeURL normalizes a profile URL for the dataset API: lowercase
// host, https scheme, tiktok paths forced to the /@handle form, trailing
// slash trimmed.
func CanonicalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	if strings.Contains(u.Host, "tiktok.com") {
		handle := strings.TrimPrefix(strings.TrimPrefix(u.Path, "/"), "@")
		if handle != "" {
			u.Path = "/@" + handle
		}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

type triggerResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

// TriggerSnapshot submits a profile URL batch and returns the snapshot id.
// URLs are canonicalized, deduplicated, and capped at MaxURLs.
func (c *Client) TriggerSnapshot(ctx context.Context, urls []string) (string, error) {
	seen := make(map[string]struct{})
	var payload []map[string]string
	for _, raw := range urls {
		u := CanonicalizeURL(raw)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		payload = append(payload, map[string]string{"url": u})
		if len(payload) >= c.cfg.MaxURLs {
			break
		}
	}
	if len(payload) == 0 {
		return "", eris.New("brightdata: no valid profile urls to trigger")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "brightdata: encode trigger payload")
	}

	endpoint := fmt.Sprintf("%s/trigger?dataset_id=%s&include_errors=true",
		c.cfg.BaseURL, url.QueryEscape(c.cfg.DatasetID))

	resp, err := resilience.RetryVal(ctx, resilience.DefaultPolicy(),
		func(ctx context.Context) (triggerResponse, error) {
			var out triggerResponse
			err := c.doJSON(ctx, http.MethodPost, endpoint, body, &out)
			return out, err
		})
	if err != nil {
		return "", eris.Wrap(err, "brightdata: trigger snapshot")
	}
	if resp.SnapshotID == "" {
		return "", eris.New("brightdata: trigger response missing snapshot_id")
	}
	return resp.SnapshotID, nil
}

type progressResponse struct {
	Status string `json:"status"`
}

// WaitForSnapshot polls the snapshot until it is ready. A failed snapshot is
// an error; the sleep between polls is context-cancellable.
func (c *Client) WaitForSnapshot(ctx context.Context, snapshotID string) error {
	endpoint := fmt.Sprintf("%s/progress/%s", c.cfg.BaseURL, url.PathEscape(snapshotID))
	for {
		var progress progressResponse
		err := resilience.Retry(ctx, resilience.DefaultPolicy(), func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodGet, endpoint, nil, &progress)
		})
		if err != nil {
			return eris.Wrapf(err, "brightdata: poll snapshot %s", snapshotID)
		}

		switch strings.ToLower(progress.Status) {
		case "ready":
			return nil
		case "failed":
			return eris.Errorf("brightdata: snapshot %s failed", snapshotID)
		}

		zap.L().Debug("snapshot not ready",
			zap.String("snapshot_id", snapshotID),
			zap.String("status", progress.Status),
		)

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// DownloadSnapshot fetches the finished snapshot as CSV and returns one
// string map per row.
func (c *Client) DownloadSnapshot(ctx context.Context, snapshotID string) ([]map[string]string, error) {
	endpoint := fmt.Sprintf("%s/snapshot/%s?format=csv", c.cfg.BaseURL, url.PathEscape(snapshotID))

	data, err := resilience.RetryVal(ctx, resilience.DefaultPolicy(),
		func(ctx context.Context) ([]byte, error) {
			return c.doRaw(ctx, http.MethodGet, endpoint, nil)
		})
	if err != nil {
		return nil, eris.Wrapf(err, "brightdata: download snapshot %s", snapshotID)
	}
	return parseCSVRecords(data)
}

// RefreshProfiles triggers a snapshot for the given URLs, waits for it, and
// returns the snapshot id with the downloaded records. The id is returned
// even when waiting or downloading fails, so callers can report it.
func (c *Client) RefreshProfiles(ctx context.Context, urls []string) (string, []map[string]string, error) {
	snapshotID, err := c.TriggerSnapshot(ctx, urls)
	if err != nil {
		return "", nil, err
	}
	zap.L().Info("snapshot triggered",
		zap.String("snapshot_id", snapshotID),
		zap.Int("urls", min(len(urls), c.cfg.MaxURLs)),
	)
	if err := c.WaitForSnapshot(ctx, snapshotID); err != nil {
		return snapshotID, nil, err
	}
	records, err := c.DownloadSnapshot(ctx, snapshotID)
	if err != nil {
		return snapshotID, nil, err
	}
	return snapshotID, records, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	data, err := c.doRaw(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "brightdata: decode response")
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, eris.Wrap(err, "brightdata: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "brightdata: read response body")
	}
	if resp.StatusCode >= 400 {
		err := eris.Errorf("brightdata: %s %s returned %d: %s",
			method, endpoint, resp.StatusCode, truncate(string(data), 200))
		if resilience.TransientStatus(resp.StatusCode) {
			return nil, resilience.MarkTransient(err, resp.StatusCode)
		}
		return nil, err
	}
	return data, nil
}

func parseCSVRecords(data []byte) ([]map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "brightdata: read csv header")
	}

	var records []map[string]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "brightdata: read csv row")
		}
		record := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
