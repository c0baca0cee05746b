package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"modelstack/internal/backoff"
	"modelstack/internal/logging"
)

func testDownloader(maxAttempts int) *Downloader {
	policy := backoff.Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: maxAttempts}
	return NewDownloader(policy, logging.NewLogger(logging.LevelError))
}

func TestDownload_Success(t *testing.T) {
	payload := []byte("model weights payload")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	d := testDownloader(3)

	if err := d.Download(context.Background(), server.URL, dest, Options{}); err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Expected file at destination: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("File content mismatch")
	}
}

func TestDownload_ChecksumVerified(t *testing.T) {
	payload := []byte("verified artifact")
	digest := sha256.Sum256(payload)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	d := testDownloader(3)

	err := d.Download(context.Background(), server.URL, dest, Options{
		ExpectedChecksum: hex.EncodeToString(digest[:]),
	})
	if err != nil {
		t.Fatalf("Expected checksum to verify, got: %v", err)
	}
}

func TestDownload_ChecksumMismatch_LeavesNoFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("corrupted content"))
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "artifact.bin")
	d := testDownloader(3)

	err := d.Download(context.Background(), server.URL, dest, Options{
		ExpectedChecksum: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	})

	var dlErr *Error
	if !errors.As(err, &dlErr) || dlErr.Reason != ReasonChecksum {
		t.Fatalf("Expected checksum error, got: %v", err)
	}

	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		t.Fatalf("ReadDir failed: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("Expected zero files after checksum failure, found %d", len(entries))
	}
}

func TestDownload_RetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("eventually fine"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	d := testDownloader(3)

	if err := d.Download(context.Background(), server.URL, dest, Options{}); err != nil {
		t.Fatalf("Expected success after retries, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestDownload_ExhaustedRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	d := testDownloader(3)

	err := d.Download(context.Background(), server.URL, dest, Options{})

	var dlErr *Error
	if !errors.As(err, &dlErr) || dlErr.Reason != ReasonNetwork {
		t.Fatalf("Expected network error, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestDownload_ClientErrorNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	d := testDownloader(3)

	err := d.Download(context.Background(), server.URL, dest, Options{})

	var dlErr *Error
	if !errors.As(err, &dlErr) || dlErr.Reason != ReasonNetwork {
		t.Fatalf("Expected network error, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("Expected 1 attempt for 404, got %d", calls)
	}
}

func TestDownload_ReportsProgress(t *testing.T) {
	payload := make([]byte, 4*1024*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "big.bin")
	d := testDownloader(1)

	var mu sync.Mutex
	var reports []float64
	err := d.Download(context.Background(), server.URL, dest, Options{
		OnProgress: func(percent float64) {
			mu.Lock()
			reports = append(reports, percent)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) == 0 {
		t.Fatal("Expected at least one progress report")
	}
	if final := reports[len(reports)-1]; final != 100 {
		t.Errorf("Expected final progress 100, got %v", final)
	}
}

func TestDownload_ConcurrentSameDestination(t *testing.T) {
	payload := []byte("shared destination")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	d := testDownloader(3)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Download(context.Background(), server.URL, dest, Options{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Download %d failed: %v", i, err)
		}
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Expected file at destination: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("Destination corrupted by concurrent downloads")
	}

	// Path locks are released once the downloads settle; the map must not
	// accumulate an entry per destination ever downloaded.
	d.mu.Lock()
	remaining := len(d.paths)
	d.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected path lock map emptied after downloads, %d entries remain", remaining)
	}
}
