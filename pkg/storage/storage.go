package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

// DocumentStore accepts a binary and returns a durable URL for it. Delete removes a key written by
// Put and succeeds when the key is already gone.
type DocumentStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// ErrInvalidKey is returned for keys that escape the storage root.
var ErrInvalidKey = errors.New("storage: invalid object key")

// New builds the document store selected in config. The local store is also returned so the
// download endpoint can serve signed URLs; it is nil for the S3 driver.
func New(ctx context.Context, cfg config.StorageConfig, baseURL string) (DocumentStore, *LocalStorage, error) {
	switch cfg.Driver {
	case "", config.StorageDriverLocal:
		signer := NewSignedURLSigner(cfg.SignedURLSecret, cfg.SignedURLTTL)
		local, err := NewLocalStorage(cfg.LocalDir, signer, baseURL)
		if err != nil {
			return nil, nil, err
		}
		return local, local, nil
	case config.StorageDriverS3:
		s3Store, err := NewS3Storage(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return s3Store, nil, nil
	default:
		return nil, nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces an uploaded filename to a safe base name.
func SanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		return "document"
	}
	cleaned := unsafeFilenameChars.ReplaceAllString(base, "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return "document"
	}
	if len(cleaned) > 120 {
		ext := path.Ext(cleaned)
		if len(ext) > 10 {
			ext = ""
		}
		cleaned = cleaned[:120-len(ext)] + ext
	}
	return cleaned
}

// CleanKey validates a slash separated object key.
func CleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidKey
		}
	}
	return key, nil
}
