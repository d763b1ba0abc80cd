package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAttempts = 3
	DefaultStep     = 2 * time.Second
	DefaultTimeout  = 15 * time.Minute
)

// StatusError is returned when the server answers with a non 2xx status
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Permanent is true for client errors, except timeouts and rate limiting
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

// Fetcher downloads large artifacts over HTTP, retrying failed attempts with a linearly growing delay
type Fetcher struct {
	client   *http.Client
	attempts int
	step     time.Duration
}

type Option func(*Fetcher)

// WithClient replaces the default HTTP client
func WithClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithRetry sets the total number of attempts and the delay step. Attempt n waits n*step before the
// next one.
func WithRetry(attempts int, step time.Duration) Option {
	return func(f *Fetcher) {
		if attempts > 0 {
			f.attempts = attempts
		}
		f.step = step
	}
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: DefaultTimeout},
		attempts: DefaultAttempts,
		step:     DefaultStep,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchToFile streams url into dest. The body is written to a temporary file next to dest and
// renamed into place once complete, so a failed download never leaves a partial dest behind.
func (f *Fetcher) FetchToFile(ctx context.Context, url, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}

	var written int64
	attempts := 0
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++
		n, err := f.download(ctx, url, dest)
		if err != nil {
			return err
		}
		written = n
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("url", url).
			Dur("retry_in", wait).
			Msg("Download failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: f.step}, uint64(f.attempts-1)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return 0, fmt.Errorf("download failed after %d attempt(s): %w", attempts, err)
	}
	return written, nil
}

func (f *Fetcher) download(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &StatusError{URL: url, Code: resp.StatusCode}
		if err.Permanent() {
			return 0, backoff.Permanent(err)
		}
		return 0, err
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return 0, backoff.Permanent(err)
	}
	return n, nil
}

// linearBackOff waits step, 2*step, 3*step ... between attempts
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
