package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// HTTPClient talks to a catalog service over JSON/HTTP.
//
// Endpoints:
//
//	GET {base}/owners/{owner}/entries                -> [{"id":..,"name":..,"remaining":..,"playtime_seconds":..}]
//	GET {base}/owners/{owner}/entries/{id}/playtime  -> {"seconds": ..}
//	GET {base}/owners/{owner}/entries/{id}/remaining -> {"remaining": ..}
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

type entryPayload struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Remaining       int    `json:"remaining"`
	PlaytimeSeconds int64  `json:"playtime_seconds"`
}

type playtimePayload struct {
	Seconds int64 `json:"seconds"`
}

type remainingPayload struct {
	Remaining int `json:"remaining"`
}

// NewHTTPClient creates a client for baseURL. Every request is bounded by timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ListEntries implements Client.
func (c *HTTPClient) ListEntries(ctx context.Context, ownerID string) ([]types.Entry, error) {
	var payload []entryPayload
	if err := c.get(ctx, c.ownerPath(ownerID, "entries"), &payload); err != nil {
		return nil, err
	}

	entries := make([]types.Entry, 0, len(payload))
	for _, p := range payload {
		entries = append(entries, types.Entry{
			ID:        types.TargetID(p.ID),
			Name:      p.Name,
			Remaining: p.Remaining,
			Playtime:  time.Duration(p.PlaytimeSeconds) * time.Second,
		})
	}
	return entries, nil
}

// GetPlaytime implements Client.
func (c *HTTPClient) GetPlaytime(ctx context.Context, ownerID string, target types.TargetID) (time.Duration, error) {
	var payload playtimePayload
	if err := c.get(ctx, c.ownerPath(ownerID, "entries", target.String(), "playtime"), &payload); err != nil {
		return 0, err
	}
	return time.Duration(payload.Seconds) * time.Second, nil
}

// GetRemainingCount implements Client.
func (c *HTTPClient) GetRemainingCount(ctx context.Context, ownerID string, target types.TargetID) (int, error) {
	var payload remainingPayload
	if err := c.get(ctx, c.ownerPath(ownerID, "entries", target.String(), "remaining"), &payload); err != nil {
		return 0, err
	}
	if payload.Remaining < 0 {
		return 0, fmt.Errorf("catalog: negative remaining count %d for %s", payload.Remaining, target)
	}
	return payload.Remaining, nil
}

func (c *HTTPClient) ownerPath(ownerID string, parts ...string) string {
	escaped := make([]string, 0, len(parts)+2)
	escaped = append(escaped, "owners", url.PathEscape(ownerID))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

// get performs one request and maps the outcome onto the catalog error taxonomy.
func (c *HTTPClient) get(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrServiceBusy, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownEntry, req.URL.Path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrNetwork, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("catalog: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %v", ErrNetwork, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			// 伺服器忙碌時偶爾回傳半截頁面
			return fmt.Errorf("%w: truncated response: %v", ErrServiceBusy, err)
		}
		return fmt.Errorf("catalog: failed to decode response: %w", err)
	}
	return nil
}
