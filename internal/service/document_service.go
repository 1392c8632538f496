package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
	"github.com/noah-isme/coi-compliance-api/pkg/extraction"
	"github.com/noah-isme/coi-compliance-api/pkg/storage"
)

var extensionMIMEs = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

type fieldExtractor interface {
	Extract(ctx context.Context, documentURL, policyType string) (*extraction.Fields, error)
}

// UploadInput is a file received from a client.
type UploadInput struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// DocumentOptions bounds uploads.
type DocumentOptions struct {
	MaxSize      int64
	AllowedMIMEs []string
	Timeout      time.Duration
	Retries      int
}

// DocumentOptionsFromConfig maps storage config onto upload options.
func DocumentOptionsFromConfig(cfg config.StorageConfig) DocumentOptions {
	return DocumentOptions{
		MaxSize:      cfg.MaxFileSize,
		AllowedMIMEs: cfg.AllowedMIMEs,
		Timeout:      cfg.UploadTimeout,
		Retries:      cfg.UploadRetries,
	}
}

// DocumentService validates, stores and analyses uploaded files.
type DocumentService struct {
	store     storage.DocumentStore
	extractor fieldExtractor
	metrics   *MetricsService
	opts      DocumentOptions
	allowed   map[string]struct{}
	logger    *zap.Logger
	now       func() time.Time
}

// NewDocumentService constructs the service. extractor may be nil.
func NewDocumentService(store storage.DocumentStore, extractor fieldExtractor, metrics *MetricsService, opts DocumentOptions, logger *zap.Logger) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 50 * 1024 * 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	allowed := make(map[string]struct{}, len(opts.AllowedMIMEs))
	for _, m := range opts.AllowedMIMEs {
		allowed[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	if len(allowed) == 0 {
		for _, m := range extensionMIMEs {
			allowed[m] = struct{}{}
		}
	}
	return &DocumentService{
		store:     store,
		extractor: extractor,
		metrics:   metrics,
		opts:      opts,
		allowed:   allowed,
		logger:    logger,
		now:       time.Now,
	}
}

// Validate checks the filename extension, declared content type and size of an upload. It returns
// the content type the file is stored with.
func (s *DocumentService) Validate(input UploadInput) (string, error) {
	ext := strings.ToLower(path.Ext(input.Filename))
	contentType, ok := extensionMIMEs[ext]
	if !ok {
		return "", appErrors.WithDetails(appErrors.ErrValidation, "unsupported file type", map[string]string{"filename": input.Filename})
	}
	if _, ok := s.allowed[contentType]; !ok {
		return "", appErrors.WithDetails(appErrors.ErrValidation, "file type not allowed", map[string]string{"contentType": contentType})
	}
	declared := strings.ToLower(strings.TrimSpace(strings.Split(input.ContentType, ";")[0]))
	if declared != "" && declared != "application/octet-stream" && declared != contentType {
		return "", appErrors.WithDetails(appErrors.ErrValidation, "content type does not match file extension", map[string]string{
			"declared": declared,
			"expected": contentType,
		})
	}
	if input.Size > s.opts.MaxSize {
		return "", appErrors.WithDetails(appErrors.ErrValidation, "file too large", map[string]int64{"maxBytes": s.opts.MaxSize})
	}
	return contentType, nil
}

// Store validates input and writes it under the record's prefix. Each storage attempt is bounded by
// the upload timeout; a final failure surfaces as an external service error.
func (s *DocumentService) Store(ctx context.Context, coiID, purpose string, input UploadInput, uploadedBy string) (*models.Document, error) {
	contentType, err := s.Validate(input)
	if err != nil {
		return nil, err
	}
	if input.Body == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	payload, err := io.ReadAll(io.LimitReader(input.Body, s.opts.MaxSize+1))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to read upload")
	}
	if int64(len(payload)) > s.opts.MaxSize {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "file too large", map[string]int64{"maxBytes": s.opts.MaxSize})
	}
	if len(payload) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is empty")
	}
	if contentType == "application/pdf" && !bytes.HasPrefix(payload, []byte("%PDF")) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file content is not a PDF")
	}

	filename := storage.SanitizeFilename(input.Filename)
	key := fmt.Sprintf("cois/%s/%s/%s-%s", coiID, purpose, uuid.NewString()[:8], filename)

	var url string
	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		url, lastErr = s.store.Put(attemptCtx, key, bytes.NewReader(payload), int64(len(payload)), contentType)
		cancel()
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, storage.ErrInvalidKey) || ctx.Err() != nil {
			break
		}
		s.logger.Warn("document upload attempt failed", zap.String("coi_id", coiID), zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	if lastErr != nil {
		s.metrics.RecordUpload(purpose, "failed")
		return nil, appErrors.Wrap(lastErr, appErrors.ErrExternalService.Code, appErrors.ErrExternalService.Status, "document storage failed")
	}
	s.metrics.RecordUpload(purpose, "stored")

	return &models.Document{
		URL:         url,
		Key:         key,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		UploadedBy:  models.NormalizeEmail(uploadedBy),
		UploadedAt:  s.now().UTC(),
	}, nil
}

// Discard removes a stored upload that never made it onto a record. Failures are logged with the
// URL so the object can be cleaned up by hand.
func (s *DocumentService) Discard(ctx context.Context, doc *models.Document) {
	if doc == nil || doc.Key == "" {
		return
	}
	if err := s.store.Delete(ctx, doc.Key); err != nil {
		s.logger.Warn("failed to discard orphaned document", zap.String("url", doc.URL), zap.String("key", doc.Key), zap.Error(err))
		return
	}
	s.metrics.RecordUpload(path.Base(path.Dir(doc.Key)), "discarded")
}

// Extract asks the extraction service for the policy fields of doc. Any failure yields nil fields
// and a warning for the caller to surface.
func (s *DocumentService) Extract(ctx context.Context, doc *models.Document, kind models.PolicyKind) (*models.ExtractedFields, string) {
	if s.extractor == nil || doc == nil {
		return nil, ""
	}
	fields, err := s.extractor.Extract(ctx, doc.URL, string(kind))
	if err != nil {
		if errors.Is(err, extraction.ErrDisabled) {
			return nil, ""
		}
		s.logger.Warn("policy field extraction failed", zap.String("kind", string(kind)), zap.Error(err))
		return nil, fmt.Sprintf("%s: field extraction unavailable", kind)
	}
	if fields == nil || fields.Empty() {
		return nil, fmt.Sprintf("%s: no policy fields recognised", kind)
	}
	return &models.ExtractedFields{
		Carrier:        fields.Carrier,
		PolicyNumber:   fields.PolicyNumber,
		EffectiveDate:  fields.EffectiveDate,
		ExpirationDate: fields.ExpirationDate,
		Limits: models.PolicyLimits{
			EachOccurrence: fields.EachOccurrence,
			Aggregate:      fields.Aggregate,
			PerClaim:       fields.PerClaim,
		},
	}, ""
}

// Put stores generated content, such as a rendered certificate, bypassing upload validation.
func (s *DocumentService) Put(ctx context.Context, coiID, filename, contentType string, payload []byte) (string, error) {
	key := fmt.Sprintf("cois/%s/generated/%s", coiID, storage.SanitizeFilename(filename))
	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		url, err := s.store.Put(attemptCtx, key, bytes.NewReader(payload), int64(len(payload)), contentType)
		cancel()
		if err == nil {
			return url, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", appErrors.Wrap(lastErr, appErrors.ErrExternalService.Code, appErrors.ErrExternalService.Status, "document storage failed")
}
