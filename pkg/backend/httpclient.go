package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 16 << 20

// postJSON sends body to url and decodes a 2xx response into out. Non-2xx
// responses are mapped to sentinel errors with the body as detail.
func postJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal request: %v", ErrBadRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: create request: %v", ErrBadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, statusError(resp.StatusCode, string(bytes.TrimSpace(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, nil
}
