package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/transform"
)

// Headers describing a raw buffer body.
const (
	HeaderBufferType  = "X-GSP-Buffer-Type"
	HeaderBufferCount = "X-GSP-Buffer-Count"
)

const defaultMaxBody = 256 << 20

// HTTP fetches http(s) URIs with bounded retries. Server errors and
// transport failures retry; 4xx responses do not.
type HTTP struct {
	Client      *http.Client
	Backoff     session.BackoffConfig
	MaxAttempts int
	MaxBody     int64
	Credentials Credentials
}

// NewHTTP returns an HTTP source using the session retry defaults.
func NewHTTP(timeout time.Duration) *HTTP {
	cfg := session.DefaultConfig()
	return &HTTP{
		Client:      &http.Client{Timeout: timeout},
		Backoff:     cfg.Backoff,
		MaxAttempts: cfg.MaxAttempts,
	}
}

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("source: GET %s: status %d", e.url, e.code)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, transform.ErrMalformedSource):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Resolve implements transform.Resolver.
func (h *HTTP) Resolve(ctx context.Context, uri string) ([]byte, error) {
	return h.get(ctx, uri)
}

// Fetch implements transform.Fetcher. When the response carries buffer
// headers the body length is checked against them.
func (h *HTTP) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	return h.get(ctx, endpoint)
}

func (h *HTTP) get(ctx context.Context, uri string) ([]byte, error) {
	var body []byte
	err := session.Retry(ctx, h.Backoff, h.MaxAttempts, retryable, func(attempt int) error {
		data, err := h.once(ctx, uri)
		if err != nil {
			log.Debug().Str("url", uri).Int("attempt", attempt).Err(err).Msg("source: http attempt failed")
			return err
		}
		body = data
		return nil
	})
	return body, err
}

func (h *HTTP) once(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	if token := h.Credentials.TokenFor(uri); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{url: uri, code: resp.StatusCode}
	}

	limit := h.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s: body exceeds %d bytes", transform.ErrMalformedSource, uri, limit)
	}
	if err := checkBufferHeaders(resp.Header, len(data)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", transform.ErrMalformedSource, uri, err)
	}
	return data, nil
}

func checkBufferHeaders(h http.Header, n int) error {
	name := h.Get(HeaderBufferType)
	if name == "" {
		return nil
	}
	typ, err := buffer.ParseType(name)
	if err != nil {
		return err
	}
	countHeader := h.Get(HeaderBufferCount)
	if countHeader == "" {
		return nil
	}
	count, err := strconv.Atoi(countHeader)
	if err != nil || count < 0 {
		return fmt.Errorf("bad %s %q", HeaderBufferCount, countHeader)
	}
	if want := count * typ.Size(); want != n {
		return fmt.Errorf("body is %d bytes, headers describe %d x %s (%d bytes)", n, count, typ, want)
	}
	return nil
}
