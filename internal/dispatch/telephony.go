package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBytes = 1 << 20

// TelephonyCaller posts dispatch payloads to the external call provider.
// The provider's protocol is opaque here: the payload goes out as JSON and
// whatever JSON comes back is stored as the job result.
type TelephonyCaller struct {
	url    string
	client *http.Client
}

func NewTelephonyCaller(url string, timeout time.Duration) *TelephonyCaller {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TelephonyCaller{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Call issues one provider request. Any non-2xx status is an error so the
// pool's retry policy applies.
func (t *TelephonyCaller) Call(ctx context.Context, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		// Provider answered 2xx with a non-JSON body; keep it verbatim.
		result = map[string]any{"raw": string(raw)}
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
