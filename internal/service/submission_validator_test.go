package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

func doc(url string) *models.Document {
	return &models.Document{URL: url, UploadedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func singleRecord(state string) *models.COIRecord {
	record := &models.COIRecord{
		ID:           "coi-1",
		ProjectID:    "p-1",
		ProjectState: state,
		Status:       models.COIStatusAwaitingBrokerUpload,
		BrokerMode:   models.BrokerModeSingle,
		Broker:       contact("broker@example.com"),
		Policies: models.PolicyLines{
			{Kind: models.PolicyGL, Required: true},
			{Kind: models.PolicyUmbrella, Required: true},
		},
	}
	record.RefreshBrokerEmails()
	return record
}

func TestCanAdvanceMissingUmbrella(t *testing.T) {
	validator := NewSubmissionValidator(nil)
	record := singleRecord("")
	record.Line(models.PolicyGL).Document = doc("https://files/gl.pdf")

	res := validator.CanAdvance(record, "broker@example.com")
	assert.False(t, res.OK)
	assert.Equal(t, []models.PolicyKind{models.PolicyUmbrella}, res.Missing)
}

func TestCanAdvanceIsPure(t *testing.T) {
	validator := NewSubmissionValidator(nil)
	record := perPolicyRecord()
	snapshot := record.Clone()

	first := validator.CanAdvance(record, "y@broker.com")
	second := validator.CanAdvance(record, "y@broker.com")
	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, record.Clone())
}

func TestCanAdvanceOnlyChecksOwnedLinesAndBaseline(t *testing.T) {
	validator := NewSubmissionValidator(nil)
	record := perPolicyRecord()
	record.Line(models.PolicyAuto).Required = true
	record.Line(models.PolicyGL).Document = doc("https://files/gl.pdf")
	record.Line(models.PolicyAuto).Document = doc("https://files/auto.pdf")

	// Broker X is done with its own lines but the unowned umbrella is baseline coverage.
	res := validator.CanAdvance(record, "x@broker.com")
	assert.False(t, res.OK)
	assert.Equal(t, []models.PolicyKind{models.PolicyUmbrella}, res.Missing)

	record.Line(models.PolicyUmbrella).Document = doc("https://files/umbrella.pdf")
	res = validator.CanAdvance(record, "x@broker.com")
	assert.True(t, res.OK)

	// An optional line never blocks.
	assert.Empty(t, validator.CanAdvance(record, "y@broker.com").Missing)
}

func TestCanAdvanceUnassignedBroker(t *testing.T) {
	validator := NewSubmissionValidator(nil)
	res := validator.CanAdvance(singleRecord(""), "stranger@example.com")
	assert.False(t, res.OK)
	assert.True(t, res.Unassigned)
	assert.True(t, appErrors.HasCode(res.Err(), appErrors.ErrAssignment.Code))
}

func TestCanSubmitRequiresSignature(t *testing.T) {
	validator := NewSubmissionValidator(nil)
	record := singleRecord("")
	record.Line(models.PolicyGL).Document = doc("https://files/gl.pdf")
	record.Line(models.PolicyUmbrella).Document = doc("https://files/umbrella.pdf")

	res := validator.CanSubmit(record, "broker@example.com")
	assert.False(t, res.OK)
	assert.True(t, res.SignatureMissing)
	err := res.Err()
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	record.Signature = &models.Signature{URL: "https://files/sig.png", SignerEmail: "broker@example.com"}
	assert.True(t, validator.CanSubmit(record, "broker@example.com").OK)
}

func TestCanSignNeedsUploadedRequiredLine(t *testing.T) {
	validator := NewSubmissionValidator(nil)
	record := singleRecord("")

	err := validator.CanSign(record, "broker@example.com")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	record.Line(models.PolicyGL).Document = doc("https://files/gl.pdf")
	assert.NoError(t, validator.CanSign(record, "broker@example.com"))
}

func TestCanActivateIsRecordWide(t *testing.T) {
	validator := NewSubmissionValidator(nil)
	record := perPolicyRecord()
	record.Line(models.PolicyGL).Document = doc("https://files/gl.pdf")

	res := validator.CanActivate(record)
	assert.False(t, res.OK)
	assert.Equal(t, []models.PolicyKind{models.PolicyUmbrella}, res.Missing)
}
