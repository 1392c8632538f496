package dto

import (
	"github.com/noah-isme/coi-compliance-api/internal/models"
)

// BrokerContactInput is a broker as submitted by GCs and admins.
type BrokerContactInput struct {
	Name  string `json:"name" validate:"max=200"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"max=50"`
}

// ToModel converts the input into a normalised contact.
func (b BrokerContactInput) ToModel() models.BrokerContact {
	return models.BrokerContact{
		Name:  b.Name,
		Email: models.NormalizeEmail(b.Email),
		Phone: b.Phone,
	}
}

// CreateCOIRequest attaches a subcontractor to a project and opens its COI record.
type CreateCOIRequest struct {
	ProjectID         string                                   `json:"projectId" validate:"required"`
	ProjectName       string                                   `json:"projectName" validate:"required"`
	ProjectState      string                                   `json:"projectState" validate:"omitempty,len=2,alpha"`
	GCID              string                                   `json:"gcId"`
	GCName            string                                   `json:"gcName" validate:"required"`
	GCEmail           string                                   `json:"gcEmail" validate:"omitempty,email"`
	SubcontractorID   string                                   `json:"subcontractorId" validate:"required"`
	SubcontractorName string                                   `json:"subcontractorName" validate:"required"`
	TradeType         string                                   `json:"tradeType"`
	BrokerMode        models.BrokerMode                        `json:"brokerMode" validate:"omitempty,oneof=single per_policy"`
	Broker            *BrokerContactInput                      `json:"broker" validate:"omitempty"`
	PolicyBrokers     map[models.PolicyKind]BrokerContactInput `json:"policyBrokers" validate:"omitempty,dive"`
	OptionalPolicies  []models.PolicyKind                      `json:"optionalPolicies" validate:"omitempty,dive,oneof=auto wc"`
	RequiredPolicies  []models.PolicyKind                      `json:"requiredPolicies" validate:"omitempty,dive,oneof=gl umbrella auto wc"`
}

// AssignBrokersRequest replaces broker assignments on a record.
type AssignBrokersRequest struct {
	BrokerMode    models.BrokerMode                        `json:"brokerMode" validate:"required,oneof=single per_policy"`
	Broker        *BrokerContactInput                      `json:"broker" validate:"omitempty"`
	PolicyBrokers map[models.PolicyKind]BrokerContactInput `json:"policyBrokers" validate:"omitempty,dive"`
}

// SignRequest records a signature artifact already uploaded to storage.
type SignRequest struct {
	SignatureURL string `json:"signatureUrl"`
	SignerName   string `json:"signerName" validate:"max=200"`
}

// RejectRequest carries the reviewer's reason.
type RejectRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// RetryNotificationRequest asks the dispatcher to re-run an event for a record.
type RetryNotificationRequest struct {
	Event models.NotificationEventType `json:"event" validate:"required"`
}

// COIQuery mirrors supported listing filters.
type COIQuery struct {
	Status          []models.COIStatus
	ProjectID       string
	BrokerEmail     string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// AssignmentResponse lists the policy lines resolved to the calling broker.
type AssignmentResponse struct {
	COIID    string              `json:"coiId"`
	Broker   string              `json:"broker"`
	Policies []models.PolicyKind `json:"policies"`
}

// ReadinessResponse tells a broker what still blocks submission.
type ReadinessResponse struct {
	COIID            string              `json:"coiId"`
	CanAdvance       bool                `json:"canAdvance"`
	Missing          []models.PolicyKind `json:"missing"`
	SignatureMissing bool                `json:"signatureMissing"`
	CanSubmit        bool                `json:"canSubmit"`
}

// COIResult wraps a record with warnings produced by degraded side effects.
type COIResult struct {
	Record   *models.COIRecord        `json:"record"`
	Reports  []*models.DispatchReport `json:"notifications,omitempty"`
	Warnings []string                 `json:"-"`
}
