package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/internal/dto"
	"github.com/noah-isme/coi-compliance-api/internal/middleware"
	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/internal/service"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

type coiServiceMock struct {
	result      *dto.COIResult
	err         error
	record      *models.COIRecord
	lastQuery   dto.COIQuery
	lastKind    models.PolicyKind
	lastUpload  string
	lastSign    service.SignatureInput
	lastReason  string
	lastActor   *models.Actor
	exportBytes []byte
}

func (m *coiServiceMock) Create(ctx context.Context, req dto.CreateCOIRequest, actor *models.Actor) (*dto.COIResult, error) {
	m.lastActor = actor
	return m.result, m.err
}

func (m *coiServiceMock) Get(ctx context.Context, id string, actor *models.Actor) (*models.COIRecord, error) {
	return m.record, m.err
}

func (m *coiServiceMock) List(ctx context.Context, query dto.COIQuery, actor *models.Actor) ([]models.COIRecord, int, error) {
	m.lastQuery = query
	if m.record == nil {
		return []models.COIRecord{}, 0, m.err
	}
	return []models.COIRecord{*m.record}, 1, m.err
}

func (m *coiServiceMock) AssignBrokers(ctx context.Context, id string, req dto.AssignBrokersRequest, actor *models.Actor) (*dto.COIResult, error) {
	return m.result, m.err
}

func (m *coiServiceMock) Assignment(ctx context.Context, id string, actor *models.Actor) (*dto.AssignmentResponse, error) {
	return &dto.AssignmentResponse{COIID: id, Broker: actor.Email}, m.err
}

func (m *coiServiceMock) UploadDocument(ctx context.Context, id string, kind models.PolicyKind, input service.UploadInput, actor *models.Actor) (*dto.COIResult, error) {
	m.lastKind = kind
	body, _ := io.ReadAll(input.Body)
	m.lastUpload = input.Filename + ":" + string(body)
	return m.result, m.err
}

func (m *coiServiceMock) Sign(ctx context.Context, id string, input service.SignatureInput, actor *models.Actor) (*dto.COIResult, error) {
	m.lastSign = input
	return m.result, m.err
}

func (m *coiServiceMock) Readiness(ctx context.Context, id string, actor *models.Actor) (*dto.ReadinessResponse, error) {
	return &dto.ReadinessResponse{COIID: id}, m.err
}

func (m *coiServiceMock) Submit(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error) {
	return m.result, m.err
}

func (m *coiServiceMock) Approve(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error) {
	return m.result, m.err
}

func (m *coiServiceMock) Reject(ctx context.Context, id string, reason string, actor *models.Actor) (*dto.COIResult, error) {
	m.lastReason = reason
	return m.result, m.err
}

func (m *coiServiceMock) SetArchived(ctx context.Context, id string, archived bool, actor *models.Actor) (*models.COIRecord, error) {
	return m.record, m.err
}

func (m *coiServiceMock) GenerateCertificate(ctx context.Context, id string, actor *models.Actor) (*dto.COIResult, error) {
	return m.result, m.err
}

func (m *coiServiceMock) RetryNotification(ctx context.Context, id string, event models.NotificationEventType, actor *models.Actor) (*models.DispatchReport, error) {
	return &models.DispatchReport{Event: event, COIID: id}, m.err
}

func (m *coiServiceMock) Export(ctx context.Context, query dto.COIQuery, actor *models.Actor) ([]byte, error) {
	return m.exportBytes, m.err
}

func (m *coiServiceMock) AuditTrail(ctx context.Context, id string, limit int, actor *models.Actor) ([]models.AuditLog, error) {
	return []models.AuditLog{}, m.err
}

func (m *coiServiceMock) KnownBrokers(ctx context.Context, search string, limit int) ([]models.BrokerContact, error) {
	return []models.BrokerContact{{Email: "broker@example.com"}}, m.err
}

func (m *coiServiceMock) Catalog() *service.PolicyCatalog {
	return service.NewPolicyCatalog(config.WorkflowConfig{})
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func asBroker(c *gin.Context) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "b-1", Role: models.RoleBroker, Email: "Broker@Example.com"})
}

func sampleResult() *dto.COIResult {
	return &dto.COIResult{Record: &models.COIRecord{ID: "coi-1", Status: models.COIStatusAwaitingBrokerUpload}}
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCOIHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &coiServiceMock{result: sampleResult()}
	handler := NewCOIHandler(mockSvc)

	payload, _ := json.Marshal(dto.CreateCOIRequest{ProjectID: "p-1", ProjectName: "Tower", GCName: "GC", SubcontractorID: "s-1", SubcontractorName: "Sub"})
	c, w := newGinContext(http.MethodPost, "/cois", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "gc-1", Role: models.RoleGC, Email: "gc@example.com"})

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, mockSvc.lastActor)
	assert.Equal(t, "gc-1", mockSvc.lastActor.UserID)
}

func TestCOIHandlerCreateInvalidJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCOIHandler(&coiServiceMock{})

	c, w := newGinContext(http.MethodPost, "/cois", []byte("{"))
	handler.Create(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCOIHandlerListParsesQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &coiServiceMock{record: &models.COIRecord{ID: "coi-1"}}
	handler := NewCOIHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/cois?status=rejected,awaiting_admin_review&projectId=p-1&includeArchived=true&limit=10&offset=5", nil)
	asBroker(c)
	handler.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.COIStatus{models.COIStatusRejected, models.COIStatusAwaitingAdminReview}, mockSvc.lastQuery.Status)
	assert.Equal(t, "p-1", mockSvc.lastQuery.ProjectID)
	assert.True(t, mockSvc.lastQuery.IncludeArchived)
	assert.Equal(t, 10, mockSvc.lastQuery.Limit)
	assert.Equal(t, 5, mockSvc.lastQuery.Offset)
	pagination := decodeEnvelope(t, w)["pagination"].(map[string]interface{})
	assert.EqualValues(t, 1, pagination["count"])
}

func TestCOIHandlerListRejectsUnknownStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCOIHandler(&coiServiceMock{})

	c, w := newGinContext(http.MethodGet, "/cois?status=pending", nil)
	handler.List(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCOIHandlerUploadDocument(t *testing.T) {
	gin.SetMode(gin.TestMode)
	result := sampleResult()
	result.Warnings = []string{"policy fields could not be extracted"}
	mockSvc := &coiServiceMock{result: result}
	handler := NewCOIHandler(mockSvc)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="gl.pdf"`)
	header.Set("Content-Type", "application/pdf")
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, writer.Close())

	c, w := newGinContext(http.MethodPost, "/cois/coi-1/policies/GL/document", body.Bytes())
	c.Request.Header.Set("Content-Type", writer.FormDataContentType())
	c.Params = gin.Params{{Key: "id", Value: "coi-1"}, {Key: "kind", Value: "GL"}}
	asBroker(c)

	handler.UploadDocument(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PolicyGL, mockSvc.lastKind)
	assert.Equal(t, "gl.pdf:%PDF-1.4", mockSvc.lastUpload)
	warnings := decodeEnvelope(t, w)["warnings"].([]interface{})
	assert.Len(t, warnings, 1)
}

func TestCOIHandlerUploadRejectsUnknownKind(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCOIHandler(&coiServiceMock{})

	c, w := newGinContext(http.MethodPost, "/cois/coi-1/policies/property/document", nil)
	c.Params = gin.Params{{Key: "id", Value: "coi-1"}, {Key: "kind", Value: "property"}}
	handler.UploadDocument(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCOIHandlerSignWithURL(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &coiServiceMock{result: sampleResult()}
	handler := NewCOIHandler(mockSvc)

	payload, _ := json.Marshal(dto.SignRequest{SignatureURL: "https://files/sig.png", SignerName: "Pat"})
	c, w := newGinContext(http.MethodPost, "/cois/coi-1/signature", payload)
	c.Params = gin.Params{{Key: "id", Value: "coi-1"}}
	asBroker(c)

	handler.Sign(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://files/sig.png", mockSvc.lastSign.URL)
	assert.Nil(t, mockSvc.lastSign.File)
}

func TestCOIHandlerRejectMapsServiceErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &coiServiceMock{err: appErrors.Clone(appErrors.ErrStateTransition, "cannot move record from active to rejected")}
	handler := NewCOIHandler(mockSvc)

	payload, _ := json.Marshal(dto.RejectRequest{Reason: "expired GL policy"})
	c, w := newGinContext(http.MethodPost, "/cois/coi-1/reject", payload)
	c.Params = gin.Params{{Key: "id", Value: "coi-1"}}
	handler.Reject(c)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "expired GL policy", mockSvc.lastReason)
	apiErr := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "STATE_ERROR", apiErr["code"])
}

func TestCOIHandlerAssignmentErrorIsForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCOIHandler(&coiServiceMock{err: appErrors.Clone(appErrors.ErrAssignment, "")})

	c, w := newGinContext(http.MethodGet, "/cois/coi-1/assignment", nil)
	c.Params = gin.Params{{Key: "id", Value: "coi-1"}}
	asBroker(c)
	handler.Assignment(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCOIHandlerExport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCOIHandler(&coiServiceMock{exportBytes: []byte("ID,Project\ncoi-1,Tower\n")})
	handler.now = func() time.Time { return time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC) }

	c, w := newGinContext(http.MethodGet, "/cois/export", nil)
	handler.Export(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "coi-export-20260504.csv")
	assert.Contains(t, w.Body.String(), "coi-1,Tower")
}

func TestCOIHandlerPolicies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewCOIHandler(&coiServiceMock{})

	c, w := newGinContext(http.MethodGet, "/policies", nil)
	handler.Policies(c)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].([]interface{})
	assert.Len(t, data, 4)
}
