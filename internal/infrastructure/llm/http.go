package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"MailPress/internal/domain"
)

// postJSON sends payload and decodes the JSON reply into v.
// Rate limits, server errors and network failures wrap domain.ErrTransientIO;
// other rejections wrap domain.ErrProviderUnavailable.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("do request: %w", err)
		}
		return fmt.Errorf("do request: %w: %v", domain.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		detail := strings.TrimSpace(string(snippet))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("unexpected status %s: %w: %s", resp.Status, domain.ErrTransientIO, detail)
		}
		return fmt.Errorf("unexpected status %s: %w: %s", resp.Status, domain.ErrProviderUnavailable, detail)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}
