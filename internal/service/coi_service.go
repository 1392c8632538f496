package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-compliance-api/internal/dto"
	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/internal/repository"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
	"github.com/noah-isme/coi-compliance-api/pkg/export"
	"github.com/noah-isme/coi-compliance-api/pkg/jobs"
)

// JobTypeNotification is the job type of queued notification dispatches.
const JobTypeNotification = "coi.notification"

type coiStore interface {
	Create(ctx context.Context, record *models.COIRecord) error
	FindByID(ctx context.Context, id string) (*models.COIRecord, error)
	Update(ctx context.Context, record *models.COIRecord, expectedVersion int) error
	List(ctx context.Context, filter models.COIFilter) ([]models.COIRecord, int, error)
	ListKnownBrokers(ctx context.Context, search string, limit int) ([]models.BrokerContact, error)
}

type adminDirectory interface {
	ListActiveEmailsByRole(ctx context.Context, roles ...models.UserRole) ([]string, error)
}

type recordLocker interface {
	Lock(ctx context.Context, id string) (func(), error)
}

type documentProcessor interface {
	Store(ctx context.Context, coiID, purpose string, input UploadInput, uploadedBy string) (*models.Document, error)
	Extract(ctx context.Context, doc *models.Document, kind models.PolicyKind) (*models.ExtractedFields, string)
	Put(ctx context.Context, coiID, filename, contentType string, payload []byte) (string, error)
	Discard(ctx context.Context, doc *models.Document)
}

type notificationSink interface {
	Notify(ctx context.Context, event models.NotificationEvent, record *models.COIRecord) *models.DispatchReport
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type auditReader interface {
	ListAuditLogs(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

type certificateRenderer interface {
	Render(cert export.Certificate) ([]byte, error)
}

// NotificationJob is the payload of a queued dispatch.
type NotificationJob struct {
	Event  models.NotificationEvent
	Record *models.COIRecord
}

// COIService orchestrates the COI workflow. Each mutating call is one locked read-modify-write
// of a single record followed by notifications that never roll the change back.
type COIService struct {
	repo       coiStore
	locker     recordLocker
	docs       documentProcessor
	dispatcher notificationSink
	audit      auditLogger
	trail      auditReader
	directory  adminDirectory
	queue      jobEnqueuer
	reuse      *ReuseResolver
	metrics    *MetricsService
	catalog    *PolicyCatalog
	resolver   *BrokerAssignmentResolver
	validator  *SubmissionValidator
	machine    *COIStateMachine
	renderer   certificateRenderer
	csv        *export.CSVExporter
	validate   *validator.Validate
	mode       models.BrokerMode
	logger     *zap.Logger
	now        func() time.Time
}

// COIServiceOption configures the service.
type COIServiceOption func(*COIService)

// WithAdminDirectory sets where reviewer emails are resolved from.
func WithAdminDirectory(directory adminDirectory) COIServiceOption {
	return func(s *COIService) {
		s.directory = directory
	}
}

// WithNotificationQueue dispatches notifications through a background queue.
func WithNotificationQueue(queue jobEnqueuer) COIServiceOption {
	return func(s *COIService) {
		s.queue = queue
	}
}

// WithReuseResolver enables workers' compensation reuse.
func WithReuseResolver(reuse *ReuseResolver) COIServiceOption {
	return func(s *COIService) {
		s.reuse = reuse
	}
}

// WithMetrics attaches workflow metrics.
func WithMetrics(metrics *MetricsService) COIServiceOption {
	return func(s *COIService) {
		s.metrics = metrics
	}
}

// WithWorkflowConfig applies program requirements and the default broker mode.
func WithWorkflowConfig(cfg config.WorkflowConfig) COIServiceOption {
	return func(s *COIService) {
		s.catalog = NewPolicyCatalog(cfg)
		if models.BrokerMode(cfg.DefaultBrokerMode) == models.BrokerModePerPolicy {
			s.mode = models.BrokerModePerPolicy
		}
	}
}

// WithAuditReader exposes the audit trail of records.
func WithAuditReader(trail auditReader) COIServiceOption {
	return func(s *COIService) {
		s.trail = trail
	}
}

// WithCertificateRenderer overrides the certificate renderer.
func WithCertificateRenderer(renderer certificateRenderer) COIServiceOption {
	return func(s *COIService) {
		if renderer != nil {
			s.renderer = renderer
		}
	}
}

// NewCOIService constructs the service with defaults.
func NewCOIService(repo coiStore, locker recordLocker, docs documentProcessor, dispatcher notificationSink, audit auditLogger, logger *zap.Logger, opts ...COIServiceOption) *COIService {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := NewBrokerAssignmentResolver()
	validate := NewSubmissionValidator(resolver)
	svc := &COIService{
		repo:       repo,
		locker:     locker,
		docs:       docs,
		dispatcher: dispatcher,
		audit:      audit,
		catalog:    NewPolicyCatalog(config.WorkflowConfig{}),
		resolver:   resolver,
		validator:  validate,
		machine:    NewCOIStateMachine(validate),
		renderer:   export.NewCertificateRenderer(),
		csv:        export.NewCSVExporter(),
		validate:   validator.New(),
		mode:       models.BrokerModeSingle,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create attaches a subcontractor to a project and opens its COI record. A record created with a
// broker contact skips draft.
func (s *COIService) Create(ctx context.Context, req dto.CreateCOIRequest, actor *models.Actor) (*dto.COIResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleGC && !actor.Role.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only general contractors and administrators can add subcontractors")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid coi payload")
	}

	gcID := strings.TrimSpace(req.GCID)
	gcEmail := models.NormalizeEmail(req.GCEmail)
	if actor.Role == models.RoleGC {
		if gcID != "" && gcID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "general contractors can only add subcontractors to their own projects")
		}
		gcID = actor.UserID
		if gcEmail == "" {
			gcEmail = actor.Email
		}
	}

	mode := req.BrokerMode
	if mode == "" {
		mode = s.mode
	}
	now := s.now().UTC()
	record := &models.COIRecord{
		ID:                uuid.NewString(),
		ProjectID:         strings.TrimSpace(req.ProjectID),
		ProjectName:       strings.TrimSpace(req.ProjectName),
		ProjectState:      strings.ToUpper(strings.TrimSpace(req.ProjectState)),
		GCID:              gcID,
		GCName:            strings.TrimSpace(req.GCName),
		GCEmail:           gcEmail,
		SubcontractorID:   strings.TrimSpace(req.SubcontractorID),
		SubcontractorName: strings.TrimSpace(req.SubcontractorName),
		TradeType:         strings.TrimSpace(req.TradeType),
		Status:            models.COIStatusDraft,
		BrokerMode:        mode,
		Policies:          s.catalog.Lines(req.OptionalPolicies, req.RequiredPolicies, req.ProjectState),
		CreatedBy:         actor.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	added, err := s.resolver.Apply(record, assignmentFromInput(mode, req.Broker, req.PolicyBrokers))
	if err != nil {
		return nil, err
	}
	s.applyReuse(ctx, record)
	if record.HasKnownBroker() {
		if err := s.machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingBrokerUpload, Actor: actor}); err != nil {
			return nil, err
		}
		s.metrics.RecordTransition(string(models.COIStatusDraft), string(record.Status))
	}

	if err := s.repo.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "subcontractor already has a coi record on this project")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create coi record")
	}

	s.emitAudit(ctx, actor, models.AuditActionCOICreate, nil, record)
	result := &dto.COIResult{Record: record}
	if len(added) > 0 {
		s.notify(ctx, result, models.NotificationEvent{Type: models.EventBrokerAssigned, Actor: actor, Brokers: added})
	}
	return result, nil
}

// Get returns a record the actor is allowed to see.
func (s *COIService) Get(ctx context.Context, id string, actor *models.Actor) (*models.COIRecord, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(record, actor); err != nil {
		return nil, err
	}
	return record, nil
}

// List returns the records visible to the actor. Brokers only see records they appear on and GCs
// only their own.
func (s *COIService) List(ctx context.Context, query dto.COIQuery, actor *models.Actor) ([]models.COIRecord, int, error) {
	if actor == nil {
		return nil, 0, appErrors.ErrUnauthorized
	}
	filter := models.COIFilter{
		Status:          query.Status,
		ProjectID:       strings.TrimSpace(query.ProjectID),
		BrokerEmail:     models.NormalizeEmail(query.BrokerEmail),
		IncludeArchived: query.IncludeArchived,
		Limit:           query.Limit,
		Offset:          query.Offset,
	}
	switch {
	case actor.Role.IsAdmin():
		// full access
	case actor.Role == models.RoleGC:
		filter.GCID = actor.UserID
	case actor.Role == models.RoleBroker:
		filter.BrokerEmail = actor.Email
		filter.IncludeArchived = false
	default:
		return nil, 0, appErrors.ErrForbidden
	}
	records, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list coi records")
	}
	return records, total, nil
}

// AssignBrokers replaces the broker contacts on a record. Newly added brokers are notified.
func (s *COIService) AssignBrokers(ctx context.Context, id string, req dto.AssignBrokersRequest, actor *models.Actor) (*dto.COIResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid broker assignment payload")
	}
	var added []models.BrokerContact
	before, record, err := s.mutate(ctx, id, func(record *models.COIRecord) error {
		if err := s.authorizeManage(record, actor); err != nil {
			return err
		}
		if record.Archived {
			return stateError(record.Status, record.Status, "record is archived")
		}
		switch record.Status {
		case models.COIStatusDraft, models.COIStatusAwaitingBrokerUpload, models.COIStatusRejected:
		default:
			return stateError(record.Status, record.Status, "brokers cannot change while the record is under review or active")
		}
		var err error
		added, err = s.resolver.Apply(record, assignmentFromInput(req.BrokerMode, req.Broker, req.PolicyBrokers))
		if err != nil {
			return err
		}
		if record.Status == models.COIStatusDraft && record.HasKnownBroker() {
			return s.machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingBrokerUpload, Actor: actor})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(before, record)
	s.emitAudit(ctx, actor, models.AuditActionBrokerAssign, before, record)
	result := &dto.COIResult{Record: record}
	if len(added) > 0 {
		s.notify(ctx, result, models.NotificationEvent{Type: models.EventBrokerAssigned, Actor: actor, Brokers: added})
	}
	return result, nil
}

// Assignment lists the policy lines the calling broker is responsible for.
func (s *COIService) Assignment(ctx context.Context, id string, actor *models.Actor) (*dto.AssignmentResponse, error) {
	record, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	kinds, err := s.resolver.Require(record, actor.Email)
	if err != nil {
		return nil, err
	}
	return &dto.AssignmentResponse{COIID: record.ID, Broker: actor.Email, Policies: kinds}, nil
}

// UploadDocument stores a policy document for one line the broker manages. The file is written
// before the record is locked; the record change itself is a single locked update. If that update
// fails the stored file is discarded.
func (s *COIService) UploadDocument(ctx context.Context, id string, kind models.PolicyKind, input UploadInput, actor *models.Actor) (*dto.COIResult, error) {
	record, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if err := s.checkBrokerEditable(record, actor, kind); err != nil {
		return nil, err
	}

	doc, err := s.docs.Store(ctx, record.ID, string(kind), input, actor.Email)
	if err != nil {
		return nil, err
	}
	fields, warning := s.docs.Extract(ctx, doc, kind)

	before, updated, err := s.mutate(ctx, id, func(record *models.COIRecord) error {
		if err := s.checkBrokerEditable(record, actor, kind); err != nil {
			return err
		}
		s.resolver.Claim(record, brokerContact(actor))
		line := record.Line(kind)
		line.Document = doc
		line.Fields = fields
		line.Reused = nil
		uploadedAt := doc.UploadedAt
		record.UploadedAt = &uploadedAt
		return s.openForBroker(record, actor)
	})
	if err != nil {
		s.docs.Discard(context.WithoutCancel(ctx), doc)
		return nil, err
	}
	if kind == models.PolicyWC && s.reuse != nil {
		s.reuse.Forget(ctx, models.StateScope(updated.ProjectState))
	}

	s.recordTransition(before, updated)
	s.emitAudit(ctx, actor, models.AuditActionDocumentUpload, before, updated)
	result := &dto.COIResult{Record: updated}
	if warning != "" {
		result.Warnings = append(result.Warnings, warning)
	}
	return result, nil
}

// SignatureInput carries either an uploaded signature file or the URL of one already stored.
type SignatureInput struct {
	File       *UploadInput
	URL        string
	SignerName string
}

// Sign records the broker's signature. One signature authorizes every line the broker manages.
func (s *COIService) Sign(ctx context.Context, id string, input SignatureInput, actor *models.Actor) (*dto.COIResult, error) {
	record, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if err := s.checkBrokerEditable(record, actor, ""); err != nil {
		return nil, err
	}
	if err := s.validator.CanSign(record, actor.Email); err != nil {
		return nil, err
	}

	url := strings.TrimSpace(input.URL)
	var stored *models.Document
	if input.File != nil {
		stored, err = s.docs.Store(ctx, record.ID, "signature", *input.File, actor.Email)
		if err != nil {
			return nil, err
		}
		url = stored.URL
	}
	if url == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a signature file or url is required")
	}

	before, updated, err := s.mutate(ctx, id, func(record *models.COIRecord) error {
		if err := s.checkBrokerEditable(record, actor, ""); err != nil {
			return err
		}
		if err := s.validator.CanSign(record, actor.Email); err != nil {
			return err
		}
		signer := strings.TrimSpace(input.SignerName)
		if signer == "" {
			signer = actor.Name
		}
		record.Signature = &models.Signature{
			URL:         url,
			SignerName:  signer,
			SignerEmail: actor.Email,
			SignedAt:    s.now().UTC(),
		}
		s.resolver.Claim(record, brokerContact(actor))
		return s.openForBroker(record, actor)
	})
	if err != nil {
		s.docs.Discard(context.WithoutCancel(ctx), stored)
		return nil, err
	}

	s.recordTransition(before, updated)
	s.emitAudit(ctx, actor, models.AuditActionSignature, before, updated)
	return &dto.COIResult{Record: updated}, nil
}

// Readiness reports what still blocks the broker's submission, counting reusable WC documents.
func (s *COIService) Readiness(ctx context.Context, id string, actor *models.Actor) (*dto.ReadinessResponse, error) {
	record, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Require(record, actor.Email); err != nil {
		return nil, err
	}
	// Same reuse refresh as Submit, on an unsaved copy.
	record = record.Clone()
	s.applyReuse(ctx, record)
	advance := s.validator.CanAdvance(record, actor.Email)
	submit := s.validator.CanSubmit(record, actor.Email)
	return &dto.ReadinessResponse{
		COIID:            record.ID,
		CanAdvance:       advance.OK,
		Missing:          advance.Missing,
		SignatureMissing: submit.SignatureMissing,
		CanSubmit:        submit.OK,
	}, nil
}

// Submit moves the record to admin review. Reuse is refreshed first so a WC document uploaded for
// another project in the same state counts.
func (s *COIService) Submit(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	admins := s.adminRecipients(ctx)
	before, record, err := s.mutate(ctx, id, func(record *models.COIRecord) error {
		if err := s.authorizeView(record, actor); err != nil {
			return err
		}
		s.applyReuse(ctx, record)
		return s.machine.Transition(record, TransitionRequest{
			To:          models.COIStatusAwaitingAdminReview,
			Actor:       actor,
			AdminEmails: admins,
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(before, record)
	s.emitAudit(ctx, actor, models.AuditActionTransition, before, record)
	result := &dto.COIResult{Record: record}
	s.notify(ctx, result,
		models.NotificationEvent{Type: models.EventReviewRequested, Actor: actor},
		models.NotificationEvent{Type: models.EventBrokerConfirmation, Actor: actor},
	)
	return result, nil
}

// Approve activates a record under review.
func (s *COIService) Approve(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error) {
	return s.review(ctx, id, TransitionRequest{To: models.COIStatusActive, Actor: actor}, models.EventApproved)
}

// Reject sends a record under review back to the broker with a reason.
func (s *COIService) Reject(ctx context.Context, id string, reason string, actor *models.Actor) (*dto.COIResult, error) {
	return s.review(ctx, id, TransitionRequest{To: models.COIStatusRejected, Actor: actor, Reason: reason}, models.EventRejected)
}

func (s *COIService) review(ctx context.Context, id string, req TransitionRequest, event models.NotificationEventType) (*dto.COIResult, error) {
	if req.Actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	before, record, err := s.mutate(ctx, id, func(record *models.COIRecord) error {
		return s.machine.Transition(record, req)
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(before, record)
	s.emitAudit(ctx, req.Actor, models.AuditActionTransition, before, record)
	result := &dto.COIResult{Record: record}
	s.notify(ctx, result, models.NotificationEvent{Type: event, Actor: req.Actor})
	return result, nil
}

// SetArchived toggles the archived overlay. Archived records keep their status and refuse workflow
// transitions until unarchived.
func (s *COIService) SetArchived(ctx context.Context, id string, archived bool, actor *models.Actor) (*models.COIRecord, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can archive records")
	}
	before, record, err := s.mutate(ctx, id, func(record *models.COIRecord) error {
		record.Archived = archived
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actor, models.AuditActionArchive, before, record)
	return record, nil
}

// GenerateCertificate renders the main ACORD 25 style certificate from the record, stores it and
// links it. A draft record is opened by it.
func (s *COIService) GenerateCertificate(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error) {
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(record, actor); err != nil {
		return nil, err
	}
	if record.Archived {
		return nil, stateError(record.Status, record.Status, "record is archived")
	}

	payload, err := s.renderer.Render(s.certificateFor(record))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render certificate")
	}
	url, err := s.docs.Put(ctx, record.ID, fmt.Sprintf("coi-%s.pdf", record.ID), "application/pdf", payload)
	if err != nil {
		return nil, err
	}

	before, updated, err := s.mutate(ctx, id, func(record *models.COIRecord) error {
		record.MainCertificateURL = &url
		if record.Status == models.COIStatusDraft {
			return s.machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingBrokerUpload, Actor: actor})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(before, updated)
	s.emitAudit(ctx, actor, models.AuditActionCertificate, before, updated)
	return &dto.COIResult{Record: updated}, nil
}

// RetryNotification re-runs an event synchronously. Only recipients that have not yet received the
// event in the current review cycle are contacted.
func (s *COIService) RetryNotification(ctx context.Context, id string, event models.NotificationEventType, actor *models.Actor) (*models.DispatchReport, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can retry notifications")
	}
	if _, ok := models.ParseNotificationEvent(string(event)); !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown notification event %q", event))
	}
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	report := s.dispatcher.Notify(ctx, models.NotificationEvent{Type: event}, record)
	resourceID := record.ID
	userID := actor.UserID
	payload, _ := json.Marshal(report)
	s.emitAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     models.AuditActionNotificationRetry,
		Resource:   "coi",
		ResourceID: &resourceID,
		NewValues:  payload,
	})
	return report, nil
}

// HandleNotificationJob runs a queued dispatch. A partial failure is returned as an error so the
// queue retries it; the retry only contacts failed recipients.
func (s *COIService) HandleNotificationJob(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(NotificationJob)
	if !ok || payload.Record == nil {
		return fmt.Errorf("unexpected notification job payload %T", job.Payload)
	}
	report := s.dispatcher.Notify(ctx, payload.Event, payload.Record)
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d deliveries failed for %s", len(failed), len(report.Results), report.DispatchKey)
	}
	return nil
}

// Export renders the visible records matching query as CSV.
func (s *COIService) Export(ctx context.Context, query dto.COIQuery, actor *models.Actor) ([]byte, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can export records")
	}
	const pageSize = 200
	dataset := export.Dataset{Headers: []string{
		"ID", "Project", "State", "General Contractor", "Subcontractor", "Trade", "Status", "Broker Mode",
		"Brokers", "Missing Required Policies", "Uploaded At", "Review Requested At", "Activated At", "Archived",
	}}
	query.Offset = 0
	query.Limit = pageSize
	for {
		records, total, err := s.List(ctx, query, actor)
		if err != nil {
			return nil, err
		}
		for i := range records {
			dataset.Rows = append(dataset.Rows, s.exportRow(&records[i]))
		}
		query.Offset += len(records)
		if len(records) < pageSize || query.Offset >= total {
			break
		}
	}
	return s.csv.Render(dataset)
}

// AuditTrail returns the most recent audit entries of a record, newest first.
func (s *COIService) AuditTrail(ctx context.Context, id string, limit int, actor *models.Actor) ([]models.AuditLog, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can read the audit trail")
	}
	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.trail == nil {
		return []models.AuditLog{}, nil
	}
	logs, err := s.trail.ListAuditLogs(ctx, "coi", record.ID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit trail")
	}
	return logs, nil
}

// KnownBrokers lists broker contacts that have appeared on any record.
func (s *COIService) KnownBrokers(ctx context.Context, search string, limit int) ([]models.BrokerContact, error) {
	brokers, err := s.repo.ListKnownBrokers(ctx, strings.TrimSpace(search), limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list brokers")
	}
	return brokers, nil
}

// Catalog exposes the policy catalog in use.
func (s *COIService) Catalog() *PolicyCatalog {
	return s.catalog
}

func (s *COIService) load(ctx context.Context, id string) (*models.COIRecord, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "coi record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load coi record")
	}
	return record, nil
}

// mutate runs fn against a freshly loaded record under the record lock and saves the result with
// an optimistic version check. It returns snapshots before and after the change.
func (s *COIService) mutate(ctx context.Context, id string, fn func(record *models.COIRecord) error) (*models.COIRecord, *models.COIRecord, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	record, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	before := record.Clone()
	expected := record.Version
	if err := fn(record); err != nil {
		return nil, nil, err
	}
	record.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, record, expected); err != nil {
		switch {
		case errors.Is(err, repository.ErrVersionConflict):
			return nil, nil, appErrors.Clone(appErrors.ErrConflict, "record was modified concurrently, reload and retry")
		case errors.Is(err, sql.ErrNoRows):
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "coi record not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save coi record")
	}
	return before, record, nil
}

func (s *COIService) authorizeView(record *models.COIRecord, actor *models.Actor) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	switch {
	case actor.Role.IsAdmin():
		return nil
	case actor.Role == models.RoleGC:
		if ownsRecord(record, actor) {
			return nil
		}
	case actor.Role == models.RoleBroker:
		if len(s.resolver.Resolve(record, actor.Email)) > 0 {
			return nil
		}
		return appErrors.Clone(appErrors.ErrAssignment, "")
	}
	return appErrors.Clone(appErrors.ErrForbidden, "record is not visible to this user")
}

func (s *COIService) authorizeManage(record *models.COIRecord, actor *models.Actor) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if actor.Role.IsAdmin() || (actor.Role == models.RoleGC && ownsRecord(record, actor)) {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "only the general contractor or an administrator can manage this record")
}

func ownsRecord(record *models.COIRecord, actor *models.Actor) bool {
	if record.GCID != "" && record.GCID == actor.UserID {
		return true
	}
	return record.GCEmail != "" && models.NormalizeEmail(record.GCEmail) == actor.Email
}

// checkBrokerEditable guards broker edits: the record must be waiting on the broker (or be
// reopenable) and, when kind is set, the line must be one the broker manages.
func (s *COIService) checkBrokerEditable(record *models.COIRecord, actor *models.Actor, kind models.PolicyKind) error {
	if actor.Role != models.RoleBroker {
		return appErrors.Clone(appErrors.ErrForbidden, "only brokers can upload documents")
	}
	if record.Archived {
		return stateError(record.Status, record.Status, "record is archived")
	}
	switch record.Status {
	case models.COIStatusDraft, models.COIStatusAwaitingBrokerUpload, models.COIStatusRejected:
	default:
		return stateError(record.Status, models.COIStatusAwaitingBrokerUpload, "documents are locked while the record is under review or active")
	}
	if _, err := s.resolver.Require(record, actor.Email); err != nil {
		return err
	}
	if kind == "" {
		return nil
	}
	if record.Line(kind) == nil {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("record has no %s policy line", kind))
	}
	if !s.resolver.Manages(record, actor.Email, kind) {
		return appErrors.Clone(appErrors.ErrAssignment, fmt.Sprintf("%s is not assigned to this broker", s.catalog.Label(kind)))
	}
	return nil
}

// openForBroker moves a draft or rejected record back to awaiting_broker_upload after a broker
// correction.
func (s *COIService) openForBroker(record *models.COIRecord, actor *models.Actor) error {
	switch record.Status {
	case models.COIStatusDraft, models.COIStatusRejected:
		return s.machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingBrokerUpload, Actor: actor})
	}
	return nil
}

func (s *COIService) applyReuse(ctx context.Context, record *models.COIRecord) {
	if s.reuse == nil {
		return
	}
	outcome := s.reuse.Apply(ctx, record)
	if outcome != ReuseNotApplicable {
		s.metrics.RecordReuseLookup(string(outcome))
	}
}

func (s *COIService) adminRecipients(ctx context.Context) []string {
	if s.directory == nil {
		return nil
	}
	emails, err := s.directory.ListActiveEmailsByRole(ctx, models.RoleAdmin, models.RoleSuperAdmin)
	if err != nil {
		s.logger.Warn("failed to resolve admin recipients, falling back to manual list", zap.Error(err))
		return nil
	}
	return emails
}

func (s *COIService) recordTransition(before, after *models.COIRecord) {
	if before == nil || after == nil || before.Status == after.Status {
		return
	}
	s.metrics.RecordTransition(string(before.Status), string(after.Status))
}

// notify dispatches events after commit. Queued dispatches report nothing back; synchronous ones
// turn failed deliveries into warnings.
func (s *COIService) notify(ctx context.Context, result *dto.COIResult, events ...models.NotificationEvent) {
	if s.dispatcher == nil {
		return
	}
	for _, event := range events {
		if s.queue != nil {
			err := s.queue.Enqueue(jobs.Job{
				ID:      uuid.NewString(),
				Type:    JobTypeNotification,
				Payload: NotificationJob{Event: event, Record: result.Record.Clone()},
			})
			if err == nil {
				continue
			}
			s.logger.Warn("notification queue unavailable, dispatching inline", zap.String("event", string(event.Type)), zap.Error(err))
		}
		report := s.dispatcher.Notify(ctx, event, result.Record)
		result.Reports = append(result.Reports, report)
		for _, failed := range report.Failed() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s notification to %s via %s failed", event.Type, failed.Recipient, failed.Channel))
		}
	}
}

func (s *COIService) emitAudit(ctx context.Context, actor *models.Actor, action string, before, after *models.COIRecord) {
	var oldValues, newValues []byte
	if before != nil {
		oldValues, _ = json.Marshal(before)
	}
	if after != nil {
		newValues, _ = json.Marshal(after)
	}
	var userID *string
	if actor != nil && actor.UserID != "" {
		id := actor.UserID
		userID = &id
	}
	var resourceID *string
	if after != nil {
		id := after.ID
		resourceID = &id
	}
	s.emitAuditLog(ctx, &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   "coi",
		ResourceID: resourceID,
		OldValues:  oldValues,
		NewValues:  newValues,
	})
}

func (s *COIService) emitAuditLog(ctx context.Context, log *models.AuditLog) {
	if s.audit == nil || log == nil {
		return
	}
	log.IPAddress = "system"
	log.UserAgent = "coi-service"
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.String("action", log.Action), zap.Error(err))
	}
}

func (s *COIService) certificateFor(record *models.COIRecord) export.Certificate {
	cert := export.Certificate{
		Number:   record.ID,
		IssuedAt: s.now().UTC(),
		Insured:  export.CertificateParty{Name: record.SubcontractorName},
		Holder:   export.CertificateParty{Name: record.GCName, Email: record.GCEmail},
		Description: fmt.Sprintf("Project: %s. Certificate holder is included as additional insured where required by written contract.",
			record.ProjectName),
	}
	if brokers := record.Brokers(); len(brokers) > 0 {
		cert.Producer = export.CertificateParty{Name: brokers[0].Name, Email: brokers[0].Email, Phone: brokers[0].Phone}
	}
	for i := range record.Policies {
		line := &record.Policies[i]
		coverage := export.CertificateCoverage{Type: s.catalog.Label(line.Kind)}
		if fields := line.EffectiveFields(); fields != nil {
			coverage.Carrier = fields.Carrier
			coverage.PolicyNumber = fields.PolicyNumber
			coverage.EffectiveDate = fields.EffectiveDate
			coverage.ExpirationDate = fields.ExpirationDate
			for _, limit := range []struct{ label, value string }{
				{"Each occurrence", fields.Limits.EachOccurrence},
				{"Aggregate", fields.Limits.Aggregate},
				{"Per claim", fields.Limits.PerClaim},
			} {
				if limit.value != "" {
					coverage.Limits = append(coverage.Limits, fmt.Sprintf("%s: %s", limit.label, limit.value))
				}
			}
		}
		cert.Coverages = append(cert.Coverages, coverage)
	}
	return cert
}

func (s *COIService) exportRow(record *models.COIRecord) map[string]string {
	brokers := make([]string, 0)
	for _, b := range record.Brokers() {
		brokers = append(brokers, b.Email)
	}
	missing := s.validator.CanActivate(record).Missing
	labels := make([]string, 0, len(missing))
	for _, kind := range missing {
		labels = append(labels, s.catalog.Label(kind))
	}
	return map[string]string{
		"ID":                        record.ID,
		"Project":                   record.ProjectName,
		"State":                     record.ProjectState,
		"General Contractor":        record.GCName,
		"Subcontractor":             record.SubcontractorName,
		"Trade":                     record.TradeType,
		"Status":                    string(record.Status),
		"Broker Mode":               string(record.BrokerMode),
		"Brokers":                   strings.Join(brokers, "; "),
		"Missing Required Policies": strings.Join(labels, "; "),
		"Uploaded At":               formatTime(record.UploadedAt),
		"Review Requested At":       formatTime(record.ReviewRequestedAt),
		"Activated At":              formatTime(record.ActivatedAt),
		"Archived":                  fmt.Sprintf("%t", record.Archived),
	}
}

func formatTime(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func assignmentFromInput(mode models.BrokerMode, broker *dto.BrokerContactInput, perPolicy map[models.PolicyKind]dto.BrokerContactInput) Assignment {
	assignment := Assignment{Mode: mode}
	if broker != nil {
		contact := broker.ToModel()
		assignment.Broker = &contact
	}
	if len(perPolicy) > 0 {
		assignment.PerPolicy = make(map[models.PolicyKind]models.BrokerContact, len(perPolicy))
		for kind, input := range perPolicy {
			assignment.PerPolicy[kind] = input.ToModel()
		}
	}
	return assignment
}

func brokerContact(actor *models.Actor) models.BrokerContact {
	return models.BrokerContact{Name: actor.Name, Email: actor.Email}
}
