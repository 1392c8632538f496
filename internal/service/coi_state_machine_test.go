package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

var allStatuses = []models.COIStatus{
	models.COIStatusDraft,
	models.COIStatusAwaitingBrokerUpload,
	models.COIStatusAwaitingAdminReview,
	models.COIStatusActive,
	models.COIStatusRejected,
}

var (
	brokerActor = &models.Actor{UserID: "b-1", Email: "broker@example.com", Role: models.RoleBroker}
	adminActor  = &models.Actor{UserID: "a-1", Email: "admin@example.com", Role: models.RoleAdmin}
	gcActor     = &models.Actor{UserID: "gc-1", Email: "gc@example.com", Role: models.RoleGC}
)

func fixedMachine() *COIStateMachine {
	m := NewCOIStateMachine(nil)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestTransitionClosure(t *testing.T) {
	legal := map[[2]models.COIStatus]bool{
		{models.COIStatusDraft, models.COIStatusAwaitingBrokerUpload}:              true,
		{models.COIStatusAwaitingBrokerUpload, models.COIStatusAwaitingAdminReview}: true,
		{models.COIStatusAwaitingAdminReview, models.COIStatusActive}:               true,
		{models.COIStatusAwaitingAdminReview, models.COIStatusRejected}:             true,
		{models.COIStatusRejected, models.COIStatusAwaitingBrokerUpload}:           true,
	}
	machine := fixedMachine()
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equalf(t, legal[[2]models.COIStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
			if legal[[2]models.COIStatus{from, to}] {
				continue
			}
			record := singleRecord("")
			record.Status = from
			err := machine.Transition(record, TransitionRequest{To: to, Actor: adminActor, Reason: "x"})
			require.Errorf(t, err, "%s -> %s", from, to)
			assert.Truef(t, appErrors.HasCode(err, appErrors.ErrStateTransition.Code), "%s -> %s", from, to)
			assert.Equal(t, from, record.Status)
		}
	}
}

func TestTransitionDraftNeedsBrokerOrCertificate(t *testing.T) {
	machine := fixedMachine()
	record := &models.COIRecord{Status: models.COIStatusDraft, BrokerMode: models.BrokerModeSingle}

	err := machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingBrokerUpload, Actor: gcActor})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	url := "https://files/main.pdf"
	record.MainCertificateURL = &url
	require.NoError(t, machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingBrokerUpload, Actor: gcActor}))
	assert.Equal(t, models.COIStatusAwaitingBrokerUpload, record.Status)
}

func TestTransitionSubmitApproveFlow(t *testing.T) {
	machine := fixedMachine()
	record := singleRecord("")
	record.Line(models.PolicyGL).Document = doc("https://files/gl.pdf")
	record.Line(models.PolicyUmbrella).Document = doc("https://files/umbrella.pdf")

	err := machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingAdminReview, Actor: brokerActor})
	require.Error(t, err, "signature missing")

	record.Signature = &models.Signature{URL: "https://files/sig.png", SignerEmail: "broker@example.com"}
	err = machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingAdminReview, Actor: gcActor})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden.Code))

	require.NoError(t, machine.Transition(record, TransitionRequest{
		To:          models.COIStatusAwaitingAdminReview,
		Actor:       brokerActor,
		AdminEmails: []string{"Admin@example.com", "admin@example.com", ""},
	}))
	assert.Equal(t, []string{"admin@example.com"}, record.AdminEmails)
	require.NotNil(t, record.ReviewRequestedAt)

	err = machine.Transition(record, TransitionRequest{To: models.COIStatusActive, Actor: brokerActor})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden.Code))

	require.NoError(t, machine.Transition(record, TransitionRequest{To: models.COIStatusActive, Actor: adminActor}))
	assert.Equal(t, models.COIStatusActive, record.Status)
	require.NotNil(t, record.ActivatedAt)
	assert.Equal(t, "a-1", *record.ReviewedBy)
}

func TestTransitionRejectAndReopen(t *testing.T) {
	machine := fixedMachine()
	record := singleRecord("")
	record.Status = models.COIStatusAwaitingAdminReview

	err := machine.Transition(record, TransitionRequest{To: models.COIStatusRejected, Actor: adminActor, Reason: "  "})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	require.NoError(t, machine.Transition(record, TransitionRequest{To: models.COIStatusRejected, Actor: adminActor, Reason: "expired GL policy"}))
	assert.Equal(t, "expired GL policy", *record.RejectionReason)

	require.NoError(t, machine.Transition(record, TransitionRequest{To: models.COIStatusAwaitingBrokerUpload, Actor: brokerActor}))
	assert.Equal(t, models.COIStatusAwaitingBrokerUpload, record.Status)
	assert.Equal(t, 1, record.RetryCount)
}

func TestTransitionArchivedRecord(t *testing.T) {
	machine := fixedMachine()
	record := singleRecord("")
	record.Status = models.COIStatusAwaitingAdminReview
	record.Archived = true

	err := machine.Transition(record, TransitionRequest{To: models.COIStatusActive, Actor: adminActor})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrStateTransition.Code))
}
