package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxFetchBytes = 2 << 20

func (r *Runner) fetchURL(ctx context.Context, payload map[string]any) (map[string]any, error) {
	rawURL, err := stringField(payload, "url")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bad url '%s': %w", rawURL, err)
	}
	req.Header.Set("User-Agent", "foreman/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch '%s': %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read body of '%s': %w", rawURL, err)
	}
	return map[string]any{
		"content":     string(body),
		"status_code": resp.StatusCode,
		"url":         resp.Request.URL.String(),
	}, nil
}
