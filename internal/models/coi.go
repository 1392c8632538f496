package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// COIStatus captures the lifecycle of a certificate request.
type COIStatus string

const (
	COIStatusDraft                COIStatus = "draft"
	COIStatusAwaitingBrokerUpload COIStatus = "awaiting_broker_upload"
	COIStatusAwaitingAdminReview  COIStatus = "awaiting_admin_review"
	COIStatusActive               COIStatus = "active"
	COIStatusRejected             COIStatus = "rejected"
)

// Valid reports whether the status is one of the known workflow states.
func (s COIStatus) Valid() bool {
	switch s {
	case COIStatusDraft, COIStatusAwaitingBrokerUpload, COIStatusAwaitingAdminReview, COIStatusActive, COIStatusRejected:
		return true
	}
	return false
}

// BrokerMode selects whether one broker covers every line or each line has its own broker.
type BrokerMode string

const (
	BrokerModeSingle    BrokerMode = "single"
	BrokerModePerPolicy BrokerMode = "per_policy"
)

// PolicyKind identifies an insurance policy line.
type PolicyKind string

const (
	PolicyGL       PolicyKind = "gl"
	PolicyUmbrella PolicyKind = "umbrella"
	PolicyAuto     PolicyKind = "auto"
	PolicyWC       PolicyKind = "wc"
)

// ParsePolicyKind normalises user input into a PolicyKind.
func ParsePolicyKind(raw string) (PolicyKind, bool) {
	switch PolicyKind(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyGL:
		return PolicyGL, true
	case PolicyUmbrella:
		return PolicyUmbrella, true
	case PolicyAuto:
		return PolicyAuto, true
	case PolicyWC:
		return PolicyWC, true
	}
	return "", false
}

// BrokerContact identifies a broker. Email is the only stable identity.
type BrokerContact struct {
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
	Phone string `db:"phone" json:"phone,omitempty"`
}

// NormalizeEmail lowercases and trims an email for identity comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Key returns the normalised identity of the contact.
func (b *BrokerContact) Key() string {
	if b == nil {
		return ""
	}
	return NormalizeEmail(b.Email)
}

// Matches reports whether the contact is identified by email.
func (b *BrokerContact) Matches(email string) bool {
	key := b.Key()
	return key != "" && key == NormalizeEmail(email)
}

// ReuseScopeKind tags a reuse scope variant.
type ReuseScopeKind string

// ReuseScopeState scopes reuse to a US state.
const ReuseScopeState ReuseScopeKind = "state"

// ReuseScope is a tagged key under which an uploaded document may satisfy another record.
type ReuseScope struct {
	Kind  ReuseScopeKind `json:"kind"`
	Value string         `json:"value"`
}

// StateScope builds the state-wide scope for a project state code. It returns nil for an unknown state.
func StateScope(state string) *ReuseScope {
	code := strings.ToUpper(strings.TrimSpace(state))
	if code == "" {
		return nil
	}
	return &ReuseScope{Kind: ReuseScopeState, Value: code}
}

// String renders the scope in its storage form, e.g. "state:NY".
func (s ReuseScope) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.Value)
}

// Equal compares two scopes.
func (s *ReuseScope) Equal(other *ReuseScope) bool {
	if s == nil || other == nil {
		return false
	}
	return s.Kind == other.Kind && strings.EqualFold(s.Value, other.Value)
}

// Document references an uploaded file.
type Document struct {
	URL         string    `json:"url"`
	Key         string    `json:"-"`
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	SizeBytes   int64     `json:"sizeBytes,omitempty"`
	UploadedBy  string    `json:"uploadedBy,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// PolicyLimits holds the limits reported on a policy.
type PolicyLimits struct {
	EachOccurrence string `json:"eachOccurrence,omitempty"`
	Aggregate      string `json:"aggregate,omitempty"`
	PerClaim       string `json:"perClaim,omitempty"`
}

// ExtractedFields is the best-effort output of the extraction service. Values are never validated here.
type ExtractedFields struct {
	Carrier        string       `json:"carrier,omitempty"`
	PolicyNumber   string       `json:"policyNumber,omitempty"`
	EffectiveDate  string       `json:"effectiveDate,omitempty"`
	ExpirationDate string       `json:"expirationDate,omitempty"`
	Limits         PolicyLimits `json:"limits"`
}

// ReuseReference points at a document uploaded for another record that satisfies this line.
type ReuseReference struct {
	COIID      string           `json:"coiId"`
	ProjectID  string           `json:"projectId"`
	Scope      ReuseScope       `json:"scope"`
	Document   Document         `json:"document"`
	Fields     *ExtractedFields `json:"fields,omitempty"`
	ResolvedAt time.Time        `json:"resolvedAt"`
}

// PolicyLine is one insurance line embedded in a COIRecord.
type PolicyLine struct {
	Kind       PolicyKind       `json:"kind"`
	Required   bool             `json:"required"`
	Broker     *BrokerContact   `json:"broker,omitempty"`
	Document   *Document        `json:"document,omitempty"`
	Fields     *ExtractedFields `json:"fields,omitempty"`
	ReuseScope *ReuseScope      `json:"reuseScope,omitempty"`
	Reused     *ReuseReference  `json:"reused,omitempty"`
}

// Uploaded reports whether an explicit document is attached.
func (l *PolicyLine) Uploaded() bool {
	return l != nil && l.Document != nil && strings.TrimSpace(l.Document.URL) != ""
}

// Satisfied reports whether the line is covered either by upload or by reuse.
func (l *PolicyLine) Satisfied() bool {
	if l.Uploaded() {
		return true
	}
	return l != nil && l.Reused != nil && strings.TrimSpace(l.Reused.Document.URL) != ""
}

// EffectiveDocument returns the explicit upload when present, otherwise the reused document.
func (l *PolicyLine) EffectiveDocument() *Document {
	if l == nil {
		return nil
	}
	if l.Uploaded() {
		return l.Document
	}
	if l.Reused != nil {
		doc := l.Reused.Document
		return &doc
	}
	return nil
}

// EffectiveFields mirrors EffectiveDocument for extracted fields.
func (l *PolicyLine) EffectiveFields() *ExtractedFields {
	if l == nil {
		return nil
	}
	if l.Uploaded() {
		return l.Fields
	}
	if l.Reused != nil {
		return l.Reused.Fields
	}
	return nil
}

// PolicyLines is the ordered set of lines embedded in a record.
type PolicyLines []PolicyLine

// Signature is the single broker signature on a record.
type Signature struct {
	URL         string    `json:"url"`
	SignerName  string    `json:"signerName,omitempty"`
	SignerEmail string    `json:"signerEmail"`
	SignedAt    time.Time `json:"signedAt"`
}

// COIRecord is the aggregate for one (project, subcontractor) pair.
type COIRecord struct {
	ID                 string         `json:"id"`
	ProjectID          string         `json:"projectId"`
	ProjectName        string         `json:"projectName"`
	ProjectState       string         `json:"projectState,omitempty"`
	GCID               string         `json:"gcId"`
	GCName             string         `json:"gcName"`
	GCEmail            string         `json:"gcEmail,omitempty"`
	SubcontractorID    string         `json:"subcontractorId"`
	SubcontractorName  string         `json:"subcontractorName"`
	TradeType          string         `json:"tradeType,omitempty"`
	Status             COIStatus      `json:"status"`
	BrokerMode         BrokerMode     `json:"brokerMode"`
	Broker             *BrokerContact `json:"broker,omitempty"`
	Policies           PolicyLines    `json:"policies"`
	BrokerEmails       []string       `json:"-"`
	AdminEmails        []string       `json:"adminEmails,omitempty"`
	Signature          *Signature     `json:"signature,omitempty"`
	MainCertificateURL *string        `json:"mainCertificateUrl,omitempty"`
	RejectionReason    *string        `json:"rejectionReason,omitempty"`
	RetryCount         int            `json:"retryCount"`
	Archived           bool           `json:"archived"`
	Version            int            `json:"version"`
	CreatedBy          string         `json:"createdBy"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	UploadedAt         *time.Time     `json:"uploadedAt,omitempty"`
	ReviewRequestedAt  *time.Time     `json:"reviewRequestedAt,omitempty"`
	ReviewedAt         *time.Time     `json:"reviewedAt,omitempty"`
	ReviewedBy         *string        `json:"reviewedBy,omitempty"`
	ActivatedAt        *time.Time     `json:"activatedAt,omitempty"`
}

// Line returns the policy line of the given kind, or nil when the record does not carry it.
func (r *COIRecord) Line(kind PolicyKind) *PolicyLine {
	if r == nil {
		return nil
	}
	for i := range r.Policies {
		if r.Policies[i].Kind == kind {
			return &r.Policies[i]
		}
	}
	return nil
}

// Kinds lists the kinds of every line on the record in stored order.
func (r *COIRecord) Kinds() []PolicyKind {
	kinds := make([]PolicyKind, 0, len(r.Policies))
	for _, line := range r.Policies {
		kinds = append(kinds, line.Kind)
	}
	return kinds
}

// Brokers returns the distinct broker contacts that appear on the record.
func (r *COIRecord) Brokers() []BrokerContact {
	seen := make(map[string]struct{})
	out := make([]BrokerContact, 0, 2)
	add := func(b *BrokerContact) {
		key := b.Key()
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, *b)
	}
	if r.BrokerMode == BrokerModeSingle {
		add(r.Broker)
		return out
	}
	for i := range r.Policies {
		add(r.Policies[i].Broker)
	}
	return out
}

// HasKnownBroker reports whether at least one broker contact with an email is on the record.
func (r *COIRecord) HasKnownBroker() bool {
	return len(r.Brokers()) > 0
}

// RefreshBrokerEmails recomputes the denormalised broker email index.
func (r *COIRecord) RefreshBrokerEmails() {
	brokers := r.Brokers()
	emails := make([]string, 0, len(brokers))
	for _, b := range brokers {
		emails = append(emails, b.Key())
	}
	r.BrokerEmails = emails
}

// Clone returns a deep copy so callers can compare before/after snapshots.
func (r *COIRecord) Clone() *COIRecord {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		shallow := *r
		return &shallow
	}
	var out COIRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		shallow := *r
		return &shallow
	}
	out.BrokerEmails = append([]string(nil), r.BrokerEmails...)
	return &out
}

// COIFilter constrains listing queries.
type COIFilter struct {
	Status          []COIStatus
	ProjectID       string
	GCID            string
	BrokerEmail     string
	IncludeArchived bool
	Limit           int
	Offset          int
}
