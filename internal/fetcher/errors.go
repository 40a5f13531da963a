package fetcher

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxErrorBody = 256

var (
	// ErrMissingCredentials marks a source that is not configured. It is logged,
	// never returned from Fetch.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrTransientLockout marks an upstream's temporary suspension signature.
	ErrTransientLockout = errors.New("temporary lockout")
)

// UpstreamHTTPError reports a non-2xx response, an API-level error envelope
// or a transport failure. Status is zero for transport failures and timeouts.
type UpstreamHTTPError struct {
	Source string
	Status int
	Code   string
	Body   string
	Err    error
}

func (e *UpstreamHTTPError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s upstream error", e.Source)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *UpstreamHTTPError) Unwrap() error {
	return e.Err
}

// ParseError reports a response body that could not be interpreted.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s parse error: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func truncateBody(payload []byte) string {
	body := strings.TrimSpace(string(payload))
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		return body[:cut] + "..."
	}
	return body
}
