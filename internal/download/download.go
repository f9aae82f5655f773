// Package download fetches model artifacts over HTTP. An artifact lands at
// its destination only once it is complete and matches its sha256 digest.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const userAgent = "quietwav/1"

// maxDigestListing bounds how much of a checksum listing is read.
const maxDigestListing = 1 << 20

var ErrDigestMismatch = errors.New("sha256 digest mismatch")

var digestPattern = regexp.MustCompile(`(?i)\b([a-f0-9]{64})\b`)

// Request names one artifact to fetch. SHA256 pins the digest; when it is
// empty and DigestURL is set, the digest is looked up in that listing by the
// destination's file name. With neither, the artifact is not verified.
type Request struct {
	URL         string
	Destination string
	SHA256      string
	DigestURL   string
	// Label is shown next to the progress bar.
	Label string
}

// Client downloads artifacts with retries. The zero value is usable.
type Client struct {
	HTTP       *http.Client
	Logger     *zap.Logger
	Attempts   int
	Backoff    time.Duration
	NoProgress bool
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return &http.Client{Timeout: 10 * time.Minute}
	}
	return c.HTTP
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Fetch downloads req.URL to req.Destination. Transient failures are retried
// with linear backoff; a digest mismatch or a 4xx status is final.
func (c *Client) Fetch(ctx context.Context, req Request) error {
	if req.URL == "" {
		return errors.New("artifact URL is required")
	}
	if req.Destination == "" {
		return errors.New("artifact destination is required")
	}

	digest := normalizeDigest(req.SHA256)
	if digest == "" && req.DigestURL != "" {
		var err error
		digest, err = c.FetchDigest(ctx, req.DigestURL, filepath.Base(req.Destination))
		if err != nil {
			return fmt.Errorf("look up digest: %w", err)
		}
	}
	if req.Label == "" {
		req.Label = "downloading " + filepath.Base(req.Destination)
	}

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	return c.retry(ctx, req.URL, func() error {
		return c.fetchOnce(ctx, req, digest)
	})
}

func (c *Client) retry(ctx context.Context, url string, fn func() error) error {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 300 * time.Millisecond
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !retryable(err) || attempt == attempts || ctx.Err() != nil {
			return err
		}
		c.logger().Warn("artifact download failed, retrying",
			zap.String("url", url), zap.Int("attempt", attempt), zap.Int("attempts", attempts), zap.Error(err))

		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
}

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.url, e.code, http.StatusText(e.code))
}

func retryable(err error) bool {
	if errors.Is(err, ErrDigestMismatch) {
		return false
	}
	var status *statusError
	if errors.As(err, &status) {
		return status.code >= 500 || status.code == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &statusError{url: url, code: resp.StatusCode}
	}
	return resp, nil
}

// FetchDigest downloads a checksum listing and returns the digest for name.
func (c *Client) FetchDigest(ctx context.Context, url, name string) (string, error) {
	var listing []byte
	err := c.retry(ctx, url, func() error {
		resp, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		listing, err = io.ReadAll(io.LimitReader(resp.Body, maxDigestListing))
		return err
	})
	if err != nil {
		return "", err
	}
	return FindDigest(listing, name)
}

// FindDigest returns the sha256 digest for name from a checksum listing such
// as sha256sum output. A line naming name wins; otherwise the first digest
// in the listing is used.
func FindDigest(listing []byte, name string) (string, error) {
	var first string
	for line := range strings.Lines(string(listing)) {
		m := digestPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if name != "" && strings.Contains(line, name) {
			return strings.ToLower(m[1]), nil
		}
		if first == "" {
			first = strings.ToLower(m[1])
		}
	}
	if first == "" {
		return "", errors.New("no sha256 digest in listing")
	}
	return first, nil
}

// Verify checks the file at path against a sha256 digest. An empty digest
// always passes.
func Verify(path, digest string) error {
	want := normalizeDigest(digest)
	if want == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}
	return matchDigest(want, hex.EncodeToString(h.Sum(nil)))
}

func normalizeDigest(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}

func matchDigest(want, got string) error {
	if want != "" && want != got {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, want, got)
	}
	return nil
}

// fetchOnce streams the artifact into "<destination>.part" and renames it
// into place after the digest matches. The part file never outlives a
// failed attempt.
func (c *Client) fetchOnce(ctx context.Context, req Request, digest string) (err error) {
	part := req.Destination + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(part)
		}
	}()

	resp, err := c.get(ctx, req.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	h := sha256.New()
	sink := io.MultiWriter(f, h)
	bar := c.progress(req.Label, resp.ContentLength)
	if bar != nil {
		sink = io.MultiWriter(f, h, bar)
	}

	n, err := io.Copy(sink, resp.Body)
	if bar != nil {
		_ = bar.Finish()
	}
	switch {
	case err != nil:
		return fmt.Errorf("read artifact body: %w", err)
	case n == 0:
		return errors.New("artifact body is empty")
	}
	if err := matchDigest(digest, hex.EncodeToString(h.Sum(nil))); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, req.Destination); err != nil {
		return fmt.Errorf("move artifact into place: %w", err)
	}

	c.logger().Debug("artifact downloaded",
		zap.String("destination", req.Destination), zap.Int64("bytes", n), zap.Bool("verified", digest != ""))
	return nil
}

// progress returns a byte bar on an interactive stderr when the size is
// known, nil otherwise.
func (c *Client) progress(label string, size int64) *progressbar.ProgressBar {
	if c.NoProgress || size <= 0 || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
