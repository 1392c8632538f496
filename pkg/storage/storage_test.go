package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"policy.pdf":              "policy.pdf",
		"../../etc/passwd":        "passwd",
		`C:\Users\me\GL Cert.pdf`: "GL_Cert.pdf",
		"  ":                      "document",
		"..":                      "document",
		"wc (2024) final!!.docx":  "wc_2024_final_.docx",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}

func TestCleanKeyRejectsTraversal(t *testing.T) {
	_, err := CleanKey("coi/../../secret")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = CleanKey("")
	require.ErrorIs(t, err, ErrInvalidKey)

	key, err := CleanKey("/coi/1/gl/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "coi/1/gl/a.pdf", key)
}

func TestLocalStoragePutAndOpenSigned(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir, NewSignedURLSigner("secret", time.Hour), "https://api.example.com/api/v1/documents/")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "coi/1/gl/policy.pdf", strings.NewReader("%PDF-1.4"), 8, "application/pdf")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "https://api.example.com/api/v1/documents/"))

	token := strings.TrimPrefix(url, "https://api.example.com/api/v1/documents/")
	file, key, err := store.OpenSigned(token)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, "coi/1/gl/policy.pdf", key)
	body, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(body))
}

func TestLocalStoragePutRejectsShortWrite(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), NewSignedURLSigner("secret", time.Hour), "http://localhost")
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "coi/1/gl/policy.pdf", strings.NewReader("abc"), 10, "application/pdf")
	require.Error(t, err)
}

type putterStub struct {
	input   *s3.PutObjectInput
	body    []byte
	err     error
	deleted []string
}

func (p *putterStub) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	p.deleted = append(p.deleted, aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, p.err
}

func (p *putterStub) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.input = params
	p.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, p.err
}

func TestS3StoragePut(t *testing.T) {
	putter := &putterStub{}
	store := newS3Storage(putter, config.StorageConfig{S3Bucket: "coi-docs", S3Region: "us-east-1", S3Prefix: "/uploads/"})

	url, err := store.Put(context.Background(), "coi/1/wc/wc policy.pdf", bytes.NewReader([]byte("data")), 4, "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://coi-docs.s3.us-east-1.amazonaws.com/uploads/coi/1/wc/wc%20policy.pdf", url)
	assert.Equal(t, "uploads/coi/1/wc/wc policy.pdf", aws.ToString(putter.input.Key))
	assert.Equal(t, int64(4), aws.ToInt64(putter.input.ContentLength))
	assert.Equal(t, "data", string(putter.body))

	public := newS3Storage(putter, config.StorageConfig{S3Bucket: "coi-docs", S3PublicBaseURL: "https://cdn.example.com"})
	url, err = public.Put(context.Background(), "a/b.pdf", bytes.NewReader(nil), 0, "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a/b.pdf", url)
}

func TestS3StorageDelete(t *testing.T) {
	putter := &putterStub{}
	store := newS3Storage(putter, config.StorageConfig{S3Bucket: "coi-docs", S3Prefix: "uploads"})

	require.NoError(t, store.Delete(context.Background(), "coi/1/gl/policy.pdf"))
	assert.Equal(t, []string{"coi-docs/uploads/coi/1/gl/policy.pdf"}, putter.deleted)

	require.ErrorIs(t, store.Delete(context.Background(), "../escape"), ErrInvalidKey)
}

func TestLocalStorageDelete(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), NewSignedURLSigner("secret", time.Hour), "http://localhost")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Put(ctx, "coi/1/gl/policy.pdf", strings.NewReader("%PDF"), 4, "application/pdf")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "coi/1/gl/policy.pdf"))
	_, err = store.Open("coi/1/gl/policy.pdf")
	require.Error(t, err)

	require.NoError(t, store.Delete(ctx, "coi/1/gl/policy.pdf"))
}
