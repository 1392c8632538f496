package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
	"github.com/noah-isme/coi-compliance-api/pkg/extraction"
)

type flakyStore struct {
	failures  int
	calls     int
	keys      []string
	bodies    []string
	deleted   []string
	deleteErr error
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *flakyStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	s.calls++
	body, _ := io.ReadAll(r)
	if s.failures > 0 {
		s.failures--
		return "", errors.New("bucket unavailable")
	}
	s.keys = append(s.keys, key)
	s.bodies = append(s.bodies, string(body))
	return "https://files/" + key, nil
}

type stubExtractor struct {
	fields *extraction.Fields
	err    error
}

func (s stubExtractor) Extract(ctx context.Context, url, policyType string) (*extraction.Fields, error) {
	return s.fields, s.err
}

func pdfUpload(name string) UploadInput {
	body := "%PDF-1.4 test"
	return UploadInput{Filename: name, ContentType: "application/pdf", Size: int64(len(body)), Body: strings.NewReader(body)}
}

func newTestDocuments(store *flakyStore, extractor fieldExtractor) *DocumentService {
	return NewDocumentService(store, extractor, nil, DocumentOptions{MaxSize: 1024, Timeout: time.Second, Retries: 2}, nil)
}

func TestDocumentValidate(t *testing.T) {
	svc := newTestDocuments(&flakyStore{}, nil)

	cases := []struct {
		name  string
		input UploadInput
		ok    bool
	}{
		{name: "pdf", input: UploadInput{Filename: "gl.PDF", ContentType: "application/pdf", Size: 10}, ok: true},
		{name: "octet stream accepted by extension", input: UploadInput{Filename: "scan.jpeg", ContentType: "application/octet-stream", Size: 10}, ok: true},
		{name: "executable", input: UploadInput{Filename: "run.exe", Size: 10}},
		{name: "mismatched type", input: UploadInput{Filename: "gl.pdf", ContentType: "image/png", Size: 10}},
		{name: "too large", input: UploadInput{Filename: "gl.pdf", Size: 4096}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Validate(tc.input)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
		})
	}
}

func TestDocumentStoreRetriesAndSanitizes(t *testing.T) {
	store := &flakyStore{failures: 1}
	svc := newTestDocuments(store, nil)

	doc, err := svc.Store(context.Background(), "coi-1", "gl", pdfUpload("../../etc/My Policy.pdf"), "Broker@Example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
	assert.Equal(t, "My_Policy.pdf", doc.Filename)
	assert.Equal(t, "broker@example.com", doc.UploadedBy)
	assert.Equal(t, "%PDF-1.4 test", store.bodies[0])
	assert.True(t, strings.HasPrefix(store.keys[0], "cois/coi-1/gl/"))
	assert.True(t, strings.HasSuffix(store.keys[0], "-My_Policy.pdf"))
}

func TestDocumentStoreGivesUp(t *testing.T) {
	store := &flakyStore{failures: 5}
	svc := newTestDocuments(store, nil)

	_, err := svc.Store(context.Background(), "coi-1", "gl", pdfUpload("gl.pdf"), "b@example.com")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrExternalService.Code))
	assert.Equal(t, 3, store.calls)
}

func TestDocumentDiscardRemovesStoredObject(t *testing.T) {
	store := &flakyStore{}
	svc := newTestDocuments(store, nil)

	doc, err := svc.Store(context.Background(), "coi-1", "gl", pdfUpload("gl.pdf"), "b@example.com")
	require.NoError(t, err)
	svc.Discard(context.Background(), doc)
	assert.Equal(t, store.keys, store.deleted)

	svc.Discard(context.Background(), nil)
	svc.Discard(context.Background(), &models.Document{URL: "https://files/loaded-from-db.pdf"})
	assert.Len(t, store.deleted, 1)
}

func TestDocumentDiscardLogsLeftoverObject(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := &flakyStore{deleteErr: errors.New("access denied")}
	svc := NewDocumentService(store, nil, nil, DocumentOptions{MaxSize: 1024, Timeout: time.Second}, zap.New(core))

	doc, err := svc.Store(context.Background(), "coi-1", "signature", pdfUpload("sig.pdf"), "b@example.com")
	require.NoError(t, err)
	svc.Discard(context.Background(), doc)

	entries := logs.FilterMessage("failed to discard orphaned document").All()
	require.Len(t, entries, 1)
	assert.Equal(t, doc.URL, entries[0].ContextMap()["url"])
}

func TestDocumentStoreRejectsFakePDF(t *testing.T) {
	svc := newTestDocuments(&flakyStore{}, nil)
	input := UploadInput{Filename: "gl.pdf", Body: strings.NewReader("MZ not a pdf")}

	_, err := svc.Store(context.Background(), "coi-1", "gl", input, "b@example.com")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}

func TestDocumentExtract(t *testing.T) {
	doc := &models.Document{URL: "https://files/gl.pdf"}

	svc := newTestDocuments(&flakyStore{}, stubExtractor{fields: &extraction.Fields{Carrier: "Acme Mutual", EachOccurrence: "1,000,000"}})
	fields, warning := svc.Extract(context.Background(), doc, models.PolicyGL)
	require.NotNil(t, fields)
	assert.Empty(t, warning)
	assert.Equal(t, "Acme Mutual", fields.Carrier)
	assert.Equal(t, "1,000,000", fields.Limits.EachOccurrence)

	svc = newTestDocuments(&flakyStore{}, stubExtractor{err: errors.New("timeout")})
	fields, warning = svc.Extract(context.Background(), doc, models.PolicyGL)
	assert.Nil(t, fields)
	assert.Contains(t, warning, "extraction unavailable")

	svc = newTestDocuments(&flakyStore{}, stubExtractor{err: extraction.ErrDisabled})
	fields, warning = svc.Extract(context.Background(), doc, models.PolicyGL)
	assert.Nil(t, fields)
	assert.Empty(t, warning)
}
