package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/weviu/apr-hunter-sub000/internal/version"
)

const maxResponseBody = 8 << 20

// withTimeout bounds a whole Fetch, every page and endpoint included.
func (b *base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// do executes req under ctx and returns the body of a 2xx response. Anything
// else is an *UpstreamHTTPError.
func (b *base) do(ctx context.Context, req *http.Request) ([]byte, error) {
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", version.UserAgent())
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &UpstreamHTTPError{Source: b.name, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &UpstreamHTTPError{Source: b.name, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return payload, &UpstreamHTTPError{Source: b.name, Status: resp.StatusCode, Body: truncateBody(payload)}
	}
	return payload, nil
}

func (b *base) newRequest(method, path, rawQuery string, body string) (*http.Request, error) {
	target := b.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	// Context is attached in do.
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return nil, &UpstreamHTTPError{Source: b.name, Err: err}
	}
	return req, nil
}

func (b *base) decode(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return &ParseError{Source: b.name, Err: err}
	}
	return nil
}

func (b *base) parseError(err error) error {
	return &ParseError{Source: b.name, Err: err}
}
