// Package download fetches remote binary artifacts (model weights,
// service binaries) to local disk with progress reporting, checksum
// verification and bounded retries.
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
	"strings"
	"sync"
	"time"

	"modelstack/internal/backoff"
	"modelstack/internal/logging"
)

const (
	// ReasonNetwork marks a download that failed after exhausting retries
	// on transient transport errors.
	ReasonNetwork = "network"
	// ReasonChecksum marks a downloaded file whose digest did not match.
	ReasonChecksum = "checksum"

	partialSuffix = ".partial"

	// progressInterval bounds how often OnProgress fires; chunk arrival is
	// far more frequent than any consumer can usefully render.
	progressInterval = 500 * time.Millisecond
)

// Error is the typed failure returned by Download.
type Error struct {
	Reason string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download failed (%s): %s: %v", e.Reason, e.URL, e.Err)
	}
	return fmt.Sprintf("download failed (%s): %s", e.Reason, e.URL)
}

func (e *Error) Unwrap() error { return e.Err }

// ProgressFunc receives download progress as a 0-100 percentage.
type ProgressFunc func(percent float64)

// Options controls a single download.
type Options struct {
	// ExpectedChecksum is a hex-encoded SHA-256 digest. Empty skips verification.
	ExpectedChecksum string
	OnProgress       ProgressFunc
	// MaxRetries bounds attempts on transient failures. Zero uses the default policy.
	MaxRetries int
}

// Downloader streams remote artifacts to disk. Concurrent downloads to the
// same destination path are serialized so they cannot interleave writes.
type Downloader struct {
	client *http.Client
	policy backoff.Policy
	logger *logging.Logger

	mu    sync.Mutex
	paths map[string]*pathLock
}

// pathLock serializes downloads to one destination. refs counts holders
// and waiters so the entry can be dropped once the path goes idle.
type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewDownloader creates a downloader with the given retry policy.
func NewDownloader(policy backoff.Policy, logger *logging.Logger) *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: 30 * time.Minute},
		policy: policy,
		logger: logger,
		paths:  make(map[string]*pathLock),
	}
}

// Download fetches url into destinationPath. On success exactly one file
// exists at destinationPath; on any failure no file is left behind.
func (d *Downloader) Download(ctx context.Context, url, destinationPath string, opts Options) error {
	lock := d.acquirePath(destinationPath)
	defer d.releasePath(destinationPath, lock)

	policy := d.policy
	if opts.MaxRetries > 0 {
		policy.MaxAttempts = opts.MaxRetries
	}

	d.logger.Info("download.started", "Starting artifact download", map[string]interface{}{
		"url":  url,
		"dest": destinationPath,
	})

	err := backoff.Retry(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			d.logger.Warn("download.retry", "Retrying download", map[string]interface{}{
				"url":     url,
				"attempt": attempt + 1,
			})
		}
		return d.fetchOnce(ctx, url, destinationPath, opts)
	}, isPermanent)

	if err == nil {
		d.logger.Info("download.completed", "Artifact download completed", map[string]interface{}{
			"url":  url,
			"dest": destinationPath,
		})
		return nil
	}

	var dlErr *Error
	if errors.As(err, &dlErr) {
		return dlErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Reason: ReasonNetwork, URL: url, Err: err}
}

// fetchOnce performs one attempt: stream to a partial file, verify, rename.
func (d *Downloader) fetchOnce(ctx context.Context, url, destinationPath string, opts Options) error {
	partialPath := destinationPath + partialSuffix
	cleanupPartial := func() {
		if err := os.Remove(partialPath); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("download.partial_cleanup_failed", "Failed to remove partial file", map[string]interface{}{
				"path":  partialPath,
				"error": err.Error(),
			})
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Reason: ReasonNetwork, URL: url, Err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return err // transient, retried
		}
		return &Error{Reason: ReasonNetwork, URL: url, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o750); err != nil {
		return &Error{Reason: ReasonNetwork, URL: url, Err: err}
	}

	out, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) // #nosec G304 -- destination comes from supervisor-owned paths
	if err != nil {
		return &Error{Reason: ReasonNetwork, URL: url, Err: err}
	}

	hasher := sha256.New()
	written, copyErr := d.copyWithProgress(ctx, io.MultiWriter(out, hasher), resp.Body, resp.ContentLength, opts.OnProgress)

	if closeErr := out.Close(); copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		cleanupPartial()
		return fmt.Errorf("stream interrupted after %d bytes: %w", written, copyErr)
	}

	if opts.ExpectedChecksum != "" {
		digest := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(digest, opts.ExpectedChecksum) {
			cleanupPartial()
			d.logger.Error("download.checksum_mismatch", "Artifact checksum mismatch", map[string]interface{}{
				"url":      url,
				"expected": opts.ExpectedChecksum,
				"actual":   digest,
			})
			return &Error{Reason: ReasonChecksum, URL: url,
				Err: fmt.Errorf("expected %s, got %s", opts.ExpectedChecksum, digest)}
		}
	}

	if err := os.Rename(partialPath, destinationPath); err != nil {
		cleanupPartial()
		return &Error{Reason: ReasonNetwork, URL: url, Err: err}
	}

	if opts.OnProgress != nil {
		opts.OnProgress(100)
	}

	return nil
}

// copyWithProgress streams body to w, reporting throttled percentages.
func (d *Downloader) copyWithProgress(ctx context.Context, w io.Writer, body io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)

			if onProgress != nil && total > 0 && time.Since(lastReport) >= progressInterval {
				onProgress(float64(written) / float64(total) * 100)
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// isPermanent reports whether a typed download error should stop retries.
// Checksum mismatches and non-5xx HTTP responses are not transient.
func isPermanent(err error) bool {
	var dlErr *Error
	if errors.As(err, &dlErr) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (d *Downloader) acquirePath(path string) *pathLock {
	d.mu.Lock()
	lock, ok := d.paths[path]
	if !ok {
		lock = &pathLock{}
		d.paths[path] = lock
	}
	lock.refs++
	d.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (d *Downloader) releasePath(path string, lock *pathLock) {
	lock.mu.Unlock()

	d.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(d.paths, path)
	}
	d.mu.Unlock()
}
