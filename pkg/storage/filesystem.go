package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage persists documents on disk and hands out signed download URLs.
type LocalStorage struct {
	baseDir string
	signer  *SignedURLSigner
	baseURL string
}

// NewLocalStorage ensures the base directory exists and returns a handle. baseURL is the public
// prefix of the download route, e.g. https://api.example.com/api/v1/documents.
func NewLocalStorage(baseDir string, signer *SignedURLSigner, baseURL string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./uploads"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir, signer: signer, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put streams r into key and returns a signed URL for it.
func (s *LocalStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	target := s.resolve(clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("prepare upload directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write upload stream: %w", err)
	}
	if size > 0 && written != size {
		return "", fmt.Errorf("write upload stream: wrote %d of %d bytes", written, size)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("commit upload file: %w", err)
	}
	return s.URL(clean)
}

// URL returns the signed download URL of a stored key.
func (s *LocalStorage) URL(key string) (string, error) {
	token, _, err := s.signer.Sign("doc", key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", s.baseURL, token), nil
}

// OpenSigned validates a download token and opens the file it references.
func (s *LocalStorage) OpenSigned(token string) (*os.File, string, error) {
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, "", err
	}
	file, err := s.Open(claims.Key)
	if err != nil {
		return nil, "", err
	}
	return file, claims.Key, nil
}

// Open returns a read-only handle for the stored file.
func (s *LocalStorage) Open(key string) (*os.File, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(s.resolve(clean))
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	return file, nil
}

// Delete removes a stored file if present.
func (s *LocalStorage) Delete(_ context.Context, key string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(s.resolve(clean)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *LocalStorage) resolve(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
