package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	userAgent      = "voxstream/1"
	defaultRetries = 3
	retryBackoff   = 300 * time.Millisecond
)

// StatusError reports a non-200 answer. Client errors other than 429 are
// not retried.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.Code, e.URL)
}

func (e *StatusError) permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

type Options struct {
	URL         string
	Destination string
	// ExpectedSHA256 wins over ChecksumURL when both are set.
	ExpectedSHA256 string
	ChecksumURL    string
	// Retries is the total number of attempts; zero means three.
	Retries    int
	NoProgress bool
	// Progress receives the downloaded fraction of the body when the server
	// announces a content length.
	Progress   func(fraction float64)
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o *Options) setDefaults() error {
	if o.URL == "" {
		return errors.New("download URL is required")
	}
	if o.Destination == "" {
		return errors.New("destination path is required")
	}
	if o.Retries <= 0 {
		o.Retries = defaultRetries
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// DownloadFile fetches opts.URL into opts.Destination. The body lands in a
// sibling temp file and is renamed into place only once its checksum
// matches, so an interrupted download never leaves a partial model behind.
func DownloadFile(ctx context.Context, opts Options) error {
	if err := opts.setDefaults(); err != nil {
		return err
	}

	expected := normalizeDigest(opts.ExpectedSHA256)
	if expected == "" && opts.ChecksumURL != "" {
		digest, err := ResolveExpectedChecksum(ctx, opts.ChecksumURL, filepath.Base(opts.Destination), opts.HTTPClient)
		if err != nil {
			return fmt.Errorf("fetch checksum: %w", err)
		}
		expected = digest
	}

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var err error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying download", zap.Int("attempt", attempt), zap.Int("max", opts.Retries), zap.String("url", opts.URL), zap.Error(err))
			if waitErr := sleepCtx(ctx, time.Duration(attempt)*retryBackoff); waitErr != nil {
				return waitErr
			}
		}

		err = fetchOnce(ctx, opts, expected)
		var status *StatusError
		if err == nil || ctx.Err() != nil || (errors.As(err, &status) && status.permanent()) {
			return err
		}
	}
	return err
}

func fetchOnce(ctx context.Context, opts Options, expected string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: opts.URL, Code: resp.StatusCode}
	}

	part, err := os.CreateTemp(filepath.Dir(opts.Destination), "."+filepath.Base(opts.Destination)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		_ = part.Close()
		if !committed {
			_ = os.Remove(part.Name())
		}
	}()

	digest := sha256.New()
	sink := newProgressSink(opts, resp.ContentLength)
	if _, err := io.Copy(io.MultiWriter(part, digest, sink), resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	sink.finish()

	if err := verifyAndCommit(part, digest, expected, opts.Destination); err != nil {
		return err
	}
	committed = true
	return nil
}

func verifyAndCommit(part *os.File, digest hash.Hash, expected, destination string) error {
	if err := part.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := compareDigest(expected, hex.EncodeToString(digest.Sum(nil))); err != nil {
		return err
	}
	if err := part.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(part.Name(), destination); err != nil {
		return fmt.Errorf("move temp file into destination: %w", err)
	}
	return nil
}

// progressSink fans body bytes out to the fraction callback and, on a
// terminal, a byte progress bar.
type progressSink struct {
	total   int64
	written int64
	report  func(float64)
	bar     *progressbar.ProgressBar
}

func newProgressSink(opts Options, contentLength int64) *progressSink {
	sink := &progressSink{total: contentLength}
	if contentLength <= 0 {
		return sink
	}
	sink.report = opts.Progress
	if !opts.NoProgress && term.IsTerminal(int(os.Stderr.Fd())) {
		sink.bar = progressbar.NewOptions64(
			contentLength,
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
	}
	return sink
}

func (s *progressSink) Write(p []byte) (int, error) {
	s.written += int64(len(p))
	if s.report != nil {
		s.report(float64(s.written) / float64(s.total))
	}
	if s.bar != nil {
		_ = s.bar.Add(len(p))
	}
	return len(p), nil
}

func (s *progressSink) finish() {
	if s.bar != nil {
		_ = s.bar.Finish()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
