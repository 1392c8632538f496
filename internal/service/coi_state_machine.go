package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

var legalTransitions = map[models.COIStatus][]models.COIStatus{
	models.COIStatusDraft:                {models.COIStatusAwaitingBrokerUpload},
	models.COIStatusAwaitingBrokerUpload: {models.COIStatusAwaitingAdminReview},
	models.COIStatusAwaitingAdminReview:  {models.COIStatusActive, models.COIStatusRejected},
	models.COIStatusRejected:             {models.COIStatusAwaitingBrokerUpload},
}

// CanTransition reports whether from -> to is an edge of the workflow graph.
func CanTransition(from, to models.COIStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionRequest describes a requested status change.
type TransitionRequest struct {
	To     models.COIStatus
	Actor  *models.Actor
	Reason string
	// AdminEmails is the resolved reviewer roster snapshotted on submission.
	AdminEmails []string
}

// COIStateMachine owns the record status and enforces the legal transitions and their guards.
type COIStateMachine struct {
	validator *SubmissionValidator
	now       func() time.Time
}

// NewCOIStateMachine builds a state machine.
func NewCOIStateMachine(validator *SubmissionValidator) *COIStateMachine {
	if validator == nil {
		validator = NewSubmissionValidator(nil)
	}
	return &COIStateMachine{validator: validator, now: time.Now}
}

// Transition validates and applies req to the record in place. On error the record is untouched.
func (m *COIStateMachine) Transition(record *models.COIRecord, req TransitionRequest) error {
	if record == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "coi record not found")
	}
	from := record.Status
	if record.Archived {
		return stateError(from, req.To, "record is archived")
	}
	if !CanTransition(from, req.To) {
		return stateError(from, req.To, "")
	}
	if req.Actor == nil {
		return appErrors.ErrUnauthorized
	}

	now := m.now().UTC()
	switch {
	case from == models.COIStatusDraft:
		if !record.HasKnownBroker() && record.MainCertificateURL == nil {
			return appErrors.Clone(appErrors.ErrValidation, "a broker contact or a generated main certificate is required to open the record")
		}
	case from == models.COIStatusAwaitingBrokerUpload:
		if req.Actor.Role != models.RoleBroker {
			return appErrors.Clone(appErrors.ErrForbidden, "only the assigned broker can submit for review")
		}
		if err := m.validator.CanSubmit(record, req.Actor.Email).Err(); err != nil {
			return err
		}
		record.ReviewRequestedAt = &now
		record.AdminEmails = dedupeEmails(req.AdminEmails)
	case req.To == models.COIStatusActive:
		if !req.Actor.Role.IsAdmin() {
			return appErrors.Clone(appErrors.ErrForbidden, "only administrators can approve")
		}
		if err := m.validator.CanActivate(record).Err(); err != nil {
			return err
		}
		reviewer := req.Actor.UserID
		record.ReviewedAt = &now
		record.ReviewedBy = &reviewer
		record.ActivatedAt = &now
		record.RejectionReason = nil
	case req.To == models.COIStatusRejected:
		if !req.Actor.Role.IsAdmin() {
			return appErrors.Clone(appErrors.ErrForbidden, "only administrators can reject")
		}
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			return appErrors.Clone(appErrors.ErrValidation, "a rejection reason is required")
		}
		reviewer := req.Actor.UserID
		record.ReviewedAt = &now
		record.ReviewedBy = &reviewer
		record.RejectionReason = &reason
	case from == models.COIStatusRejected:
		record.RetryCount++
	}

	record.Status = req.To
	record.UpdatedAt = now
	return nil
}

func stateError(from, to models.COIStatus, reason string) error {
	msg := fmt.Sprintf("cannot move record from %s to %s", from, to)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return appErrors.WithDetails(appErrors.ErrStateTransition, msg, map[string]string{
		"from": string(from),
		"to":   string(to),
	})
}

func dedupeEmails(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		key := models.NormalizeEmail(email)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
