package service

import (
	"strings"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

// Readiness is the outcome of a submission check. It never mutates the record.
type Readiness struct {
	OK               bool                `json:"ok"`
	Missing          []models.PolicyKind `json:"missing"`
	SignatureMissing bool                `json:"signatureMissing,omitempty"`
	Unassigned       bool                `json:"unassigned,omitempty"`
}

// SubmissionValidator gates broker submissions and admin activation.
type SubmissionValidator struct {
	resolver *BrokerAssignmentResolver
}

// NewSubmissionValidator builds a validator on top of the assignment resolver.
func NewSubmissionValidator(resolver *BrokerAssignmentResolver) *SubmissionValidator {
	if resolver == nil {
		resolver = NewBrokerAssignmentResolver()
	}
	return &SubmissionValidator{resolver: resolver}
}

// CanAdvance checks the required lines resolved to the broker. Other brokers' lines never block,
// except baseline lines which block whoever manages them.
func (v *SubmissionValidator) CanAdvance(record *models.COIRecord, email string) Readiness {
	kinds := v.resolver.Resolve(record, email)
	owned := kindSet(kinds)

	missing := make([]models.PolicyKind, 0)
	for i := range record.Policies {
		line := &record.Policies[i]
		if !line.Required || lineSatisfied(line) {
			continue
		}
		if _, ok := owned[line.Kind]; ok || IsBaseline(line.Kind) {
			missing = append(missing, line.Kind)
		}
	}

	return Readiness{
		OK:         len(kinds) > 0 && len(missing) == 0,
		Missing:    missing,
		Unassigned: len(kinds) == 0,
	}
}

// CanSubmit adds the signature requirement to CanAdvance.
func (v *SubmissionValidator) CanSubmit(record *models.COIRecord, email string) Readiness {
	res := v.CanAdvance(record, email)
	if !hasSignature(record) {
		res.SignatureMissing = true
		res.OK = false
	}
	return res
}

// CanActivate is the record-wide check run before approval.
func (v *SubmissionValidator) CanActivate(record *models.COIRecord) Readiness {
	missing := make([]models.PolicyKind, 0)
	for i := range record.Policies {
		line := &record.Policies[i]
		if line.Required && !lineSatisfied(line) {
			missing = append(missing, line.Kind)
		}
	}
	return Readiness{OK: len(missing) == 0, Missing: missing}
}

// CanSign fails unless at least one required line the broker manages has a document.
func (v *SubmissionValidator) CanSign(record *models.COIRecord, email string) error {
	kinds, err := v.resolver.Require(record, email)
	if err != nil {
		return err
	}
	for _, kind := range kinds {
		line := record.Line(kind)
		if line != nil && line.Required && lineSatisfied(line) {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrValidation, "upload at least one required policy document before signing")
}

// Err converts a failed readiness into a validation or assignment error.
func (r Readiness) Err() error {
	if r.OK {
		return nil
	}
	if r.Unassigned {
		return appErrors.Clone(appErrors.ErrAssignment, "")
	}
	details := map[string]interface{}{"missing": r.Missing}
	msg := "required policy documents are missing"
	if len(r.Missing) == 0 && r.SignatureMissing {
		msg = "a signature is required before submission"
	}
	if r.SignatureMissing {
		details["signatureMissing"] = true
	}
	return appErrors.WithDetails(appErrors.ErrValidation, msg, details)
}

// lineSatisfied counts an explicit upload, or a reuse hit for workers' compensation.
func lineSatisfied(line *models.PolicyLine) bool {
	if line.Uploaded() {
		return true
	}
	return line.Kind == models.PolicyWC && line.Reused != nil && strings.TrimSpace(line.Reused.Document.URL) != ""
}

func hasSignature(record *models.COIRecord) bool {
	return record.Signature != nil && strings.TrimSpace(record.Signature.URL) != ""
}
