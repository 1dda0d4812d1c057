// Package artifact resolves a task's input_reference to a readable local file.
// Remote images are downloaded once into the shared image directory and
// reused by every stage of the job.
package artifact

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound means the reference will never resolve: the file is missing,
// the server answered 403/404/410, or the scheme is unsupported
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidImageID means the image id cannot name a file in the image dir
var ErrInvalidImageID = errors.New("invalid image id")

// ValidateImageID rejects ids that are not a single plain file name
func ValidateImageID(imageID string) error {
	if imageID == "" || imageID == "." || imageID == ".." ||
		strings.ContainsAny(imageID, `/\`) || strings.Contains(imageID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidImageID, imageID)
	}
	return nil
}

// Store resolves references into files under dir
type Store struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

// NewStore creates the image directory if needed
func NewStore(dir string, client *http.Client, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image dir %s: %w", dir, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{dir: dir, client: client, logger: logger}, nil
}

// LocalPath is where the image for imageID is cached. The path always lies
// inside the image dir.
func (s *Store) LocalPath(imageID string) (string, error) {
	if err := ValidateImageID(imageID); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, imageID+".tif")
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel != filepath.Base(path) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidImageID, imageID, s.dir)
	}
	return path, nil
}

// Resolve returns a readable path for ref. Errors other than ErrNotFound are
// transient and worth retrying.
func (s *Store) Resolve(ctx context.Context, ref, imageID string) (string, error) {
	if imageID != "" {
		cached, err := s.LocalPath(imageID)
		if err != nil {
			// the id will never name a file, retrying cannot help
			return "", fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		if fileExists(cached) {
			return cached, nil
		}
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrNotFound, ref, err)
	}

	switch u.Scheme {
	case "", "file":
		path := ref
		if u.Scheme == "file" {
			path = u.Path
		}
		if !fileExists(path) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return path, nil

	case "s3":
		// public buckets only: s3://bucket/key -> https://bucket.s3.amazonaws.com/key
		u = &url.URL{Scheme: "https", Host: u.Host + ".s3.amazonaws.com", Path: u.Path}
		fallthrough

	case "http", "https":
		if imageID == "" {
			imageID = cacheKey(ref)
		}
		dest, err := s.LocalPath(imageID)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		if fileExists(dest) {
			return dest, nil
		}
		if err := s.download(ctx, u.String(), dest); err != nil {
			return "", err
		}
		return dest, nil

	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrNotFound, u.Scheme)
	}
}

func (s *Store) download(ctx context.Context, rawURL, dest string) error {
	s.logger.Info("Downloading image",
		slog.String("url", rawURL),
		slog.String("dest", dest),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s returned %d", ErrNotFound, rawURL, resp.StatusCode)
	default:
		return fmt.Errorf("failed to download %s: status %d", rawURL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(s.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}

	// concurrent downloads of the same image both land complete files
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	s.logger.Info("Image downloaded",
		slog.String("dest", dest),
		slog.Int64("bytes", n),
	)
	return nil
}

func cacheKey(ref string) string {
	sum := sha1.Sum([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// IsNotFound reports whether err is a permanent resolution failure
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// COGURL expands an image id into a URL using a template with one {id}
func COGURL(template, imageID string) string {
	return strings.ReplaceAll(template, "{id}", imageID)
}
