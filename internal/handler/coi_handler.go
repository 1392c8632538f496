package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-compliance-api/internal/dto"
	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/internal/service"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
	"github.com/noah-isme/coi-compliance-api/pkg/response"
)

type coiService interface {
	Create(ctx context.Context, req dto.CreateCOIRequest, actor *models.Actor) (*dto.COIResult, error)
	Get(ctx context.Context, id string, actor *models.Actor) (*models.COIRecord, error)
	List(ctx context.Context, query dto.COIQuery, actor *models.Actor) ([]models.COIRecord, int, error)
	AssignBrokers(ctx context.Context, id string, req dto.AssignBrokersRequest, actor *models.Actor) (*dto.COIResult, error)
	Assignment(ctx context.Context, id string, actor *models.Actor) (*dto.AssignmentResponse, error)
	UploadDocument(ctx context.Context, id string, kind models.PolicyKind, input service.UploadInput, actor *models.Actor) (*dto.COIResult, error)
	Sign(ctx context.Context, id string, input service.SignatureInput, actor *models.Actor) (*dto.COIResult, error)
	Readiness(ctx context.Context, id string, actor *models.Actor) (*dto.ReadinessResponse, error)
	Submit(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error)
	Approve(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error)
	Reject(ctx context.Context, id string, reason string, actor *models.Actor) (*dto.COIResult, error)
	SetArchived(ctx context.Context, id string, archived bool, actor *models.Actor) (*models.COIRecord, error)
	GenerateCertificate(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error)
	RetryNotification(ctx context.Context, id string, event models.NotificationEventType, actor *models.Actor) (*models.DispatchReport, error)
	Export(ctx context.Context, query dto.COIQuery, actor *models.Actor) ([]byte, error)
	AuditTrail(ctx context.Context, id string, limit int, actor *models.Actor) ([]models.AuditLog, error)
	KnownBrokers(ctx context.Context, search string, limit int) ([]models.BrokerContact, error)
	Catalog() *service.PolicyCatalog
}

// COIHandler exposes the COI workflow endpoints.
type COIHandler struct {
	service coiService
	now     func() time.Time
}

// NewCOIHandler constructs the handler.
func NewCOIHandler(svc coiService) *COIHandler {
	return &COIHandler{service: svc, now: time.Now}
}

// Create godoc
// @Summary Add a subcontractor to a project
// @Tags COI
// @Accept json
// @Produce json
// @Param payload body dto.CreateCOIRequest true "COI payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /cois [post]
func (h *COIHandler) Create(c *gin.Context) {
	var req dto.CreateCOIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.service.Create(c.Request.Context(), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondResult(c, http.StatusCreated, result)
}

// List godoc
// @Summary List COI records
// @Tags COI
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param projectId query string false "Project ID"
// @Param brokerEmail query string false "Broker email"
// @Param includeArchived query bool false "Include archived records"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /cois [get]
func (h *COIHandler) List(c *gin.Context) {
	query, err := parseCOIQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	records, total, err := h.service.List(c.Request.Context(), query, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, &response.Pagination{Limit: query.Limit, Offset: query.Offset, Count: total})
}

// Export godoc
// @Summary Export COI records as CSV
// @Tags COI
// @Produce text/csv
// @Success 200 {file} file
// @Router /cois/export [get]
func (h *COIHandler) Export(c *gin.Context) {
	query, err := parseCOIQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	payload, err := h.service.Export(c.Request.Context(), query, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("coi-export-%s.csv", h.now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/csv; charset=utf-8", payload)
}

// Get godoc
// @Summary Get a COI record
// @Tags COI
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /cois/{id} [get]
func (h *COIHandler) Get(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// AssignBrokers godoc
// @Summary Replace broker contacts
// @Tags COI
// @Accept json
// @Produce json
// @Param id path string true "COI ID"
// @Param payload body dto.AssignBrokersRequest true "Broker assignment"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/brokers [put]
func (h *COIHandler) AssignBrokers(c *gin.Context) {
	var req dto.AssignBrokersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.service.AssignBrokers(c.Request.Context(), c.Param("id"), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondResult(c, http.StatusOK, result)
}

// Assignment godoc
// @Summary Policy lines assigned to the calling broker
// @Tags Broker
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /cois/{id}/assignment [get]
func (h *COIHandler) Assignment(c *gin.Context) {
	assignment, err := h.service.Assignment(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, assignment, nil)
}

// UploadDocument godoc
// @Summary Upload a policy document
// @Tags Broker
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "COI ID"
// @Param kind path string true "Policy kind (gl, umbrella, auto, wc)"
// @Param file formData file true "Policy document"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/policies/{kind}/document [post]
func (h *COIHandler) UploadDocument(c *gin.Context) {
	kind, ok := models.ParsePolicyKind(c.Param("kind"))
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown policy kind"))
		return
	}
	input, closeFn, err := uploadFromForm(c, "file")
	if err != nil {
		response.Error(c, err)
		return
	}
	defer closeFn()

	result, err := h.service.UploadDocument(c.Request.Context(), c.Param("id"), kind, *input, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondResult(c, http.StatusOK, result)
}

// Sign godoc
// @Summary Sign the certificate
// @Description Accepts a multipart signature file or a JSON body with the URL of a stored signature.
// @Tags Broker
// @Accept multipart/form-data,json
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/signature [post]
func (h *COIHandler) Sign(c *gin.Context) {
	var input service.SignatureInput
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		upload, closeFn, err := uploadFromForm(c, "file")
		if err != nil {
			response.Error(c, err)
			return
		}
		defer closeFn()
		input.File = upload
		input.SignerName = c.PostForm("signerName")
	} else {
		var req dto.SignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
		input.URL = req.SignatureURL
		input.SignerName = req.SignerName
	}

	result, err := h.service.Sign(c.Request.Context(), c.Param("id"), input, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondResult(c, http.StatusOK, result)
}

// Readiness godoc
// @Summary What still blocks the broker's submission
// @Tags Broker
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/readiness [get]
func (h *COIHandler) Readiness(c *gin.Context) {
	readiness, err := h.service.Readiness(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, readiness, nil)
}

// Submit godoc
// @Summary Submit for admin review
// @Tags Broker
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /cois/{id}/submit [post]
func (h *COIHandler) Submit(c *gin.Context) {
	result, err := h.service.Submit(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondResult(c, http.StatusOK, result)
}

// Approve godoc
// @Summary Approve a record under review
// @Tags Review
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/approve [post]
func (h *COIHandler) Approve(c *gin.Context) {
	result, err := h.service.Approve(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondResult(c, http.StatusOK, result)
}

// Reject godoc
// @Summary Reject a record under review
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "COI ID"
// @Param payload body dto.RejectRequest true "Rejection reason"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/reject [post]
func (h *COIHandler) Reject(c *gin.Context) {
	var req dto.RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.service.Reject(c.Request.Context(), c.Param("id"), req.Reason, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondResult(c, http.StatusOK, result)
}

// Archive godoc
// @Summary Archive a record
// @Tags Review
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/archive [post]
func (h *COIHandler) Archive(c *gin.Context) {
	h.setArchived(c, true)
}

// Unarchive godoc
// @Summary Unarchive a record
// @Tags Review
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/unarchive [post]
func (h *COIHandler) Unarchive(c *gin.Context) {
	h.setArchived(c, false)
}

func (h *COIHandler) setArchived(c *gin.Context, archived bool) {
	record, err := h.service.SetArchived(c.Request.Context(), c.Param("id"), archived, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// GenerateCertificate godoc
// @Summary Generate the main certificate PDF
// @Tags COI
// @Produce json
// @Param id path string true "COI ID"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/certificate [post]
func (h *COIHandler) GenerateCertificate(c *gin.Context) {
	result, err := h.service.GenerateCertificate(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondResult(c, http.StatusOK, result)
}

// RetryNotification godoc
// @Summary Re-dispatch a notification event
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "COI ID"
// @Param payload body dto.RetryNotificationRequest true "Event"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/notifications/retry [post]
func (h *COIHandler) RetryNotification(c *gin.Context) {
	var req dto.RetryNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	report, err := h.service.RetryNotification(c.Request.Context(), c.Param("id"), req.Event, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// AuditTrail godoc
// @Summary Audit trail of a record
// @Tags Review
// @Produce json
// @Param id path string true "COI ID"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /cois/{id}/audit [get]
func (h *COIHandler) AuditTrail(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := h.service.AuditTrail(c.Request.Context(), c.Param("id"), limit, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}

// Brokers godoc
// @Summary Known broker contacts
// @Tags COI
// @Produce json
// @Param search query string false "Name or email fragment"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /brokers [get]
func (h *COIHandler) Brokers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	brokers, err := h.service.KnownBrokers(c.Request.Context(), c.Query("search"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, brokers, nil)
}

// Policies godoc
// @Summary Policy catalog
// @Tags COI
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /policies [get]
func (h *COIHandler) Policies(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.service.Catalog().Specs(), nil)
}

func respondResult(c *gin.Context, status int, result *dto.COIResult) {
	if len(result.Warnings) > 0 {
		response.WithWarnings(c, status, result, result.Warnings)
		return
	}
	response.JSON(c, status, result, nil)
}

func parseCOIQuery(c *gin.Context) (dto.COIQuery, error) {
	query := dto.COIQuery{
		ProjectID:   c.Query("projectId"),
		BrokerEmail: c.Query("brokerEmail"),
		Limit:       50,
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := models.COIStatus(strings.TrimSpace(part))
			if !status.Valid() {
				return query, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", part))
			}
			query.Status = append(query.Status, status)
		}
	}
	if raw := c.Query("includeArchived"); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return query, appErrors.Clone(appErrors.ErrValidation, "includeArchived must be a boolean")
		}
		query.IncludeArchived = val
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && limit > 0 && limit <= 200 {
		query.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil && offset >= 0 {
		query.Offset = offset
	}
	return query, nil
}

func uploadFromForm(c *gin.Context, field string) (*service.UploadInput, func(), error) {
	header, err := c.FormFile(field)
	if err != nil {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("multipart field %q is required", field))
	}
	file, err := header.Open()
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable upload")
	}
	return &service.UploadInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}, func() { _ = file.Close() }, nil
}
