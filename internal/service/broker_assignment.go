package service

import (
	"fmt"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

// BrokerAssignmentResolver decides which policy lines a broker is responsible for.
type BrokerAssignmentResolver struct{}

// NewBrokerAssignmentResolver returns a resolver.
func NewBrokerAssignmentResolver() *BrokerAssignmentResolver {
	return &BrokerAssignmentResolver{}
}

// Resolve returns the kinds of the lines the broker identified by email manages, in record order.
func (r *BrokerAssignmentResolver) Resolve(record *models.COIRecord, email string) []models.PolicyKind {
	if record == nil || models.NormalizeEmail(email) == "" {
		return nil
	}

	if record.BrokerMode != models.BrokerModePerPolicy {
		// Without a stored contact every line is unassigned and belongs to whoever claims it next.
		if record.Broker.Key() == "" || record.Broker.Matches(email) {
			return record.Kinds()
		}
		return nil
	}

	assigned := make([]models.PolicyKind, 0, len(record.Policies))
	for i := range record.Policies {
		if record.Policies[i].Broker.Matches(email) {
			assigned = append(assigned, record.Policies[i].Kind)
		}
	}
	if len(assigned) > 0 {
		return assigned
	}
	return unclaimedLines(record)
}

// unclaimedLines is the fallback for a broker whose email is on no line of a per-policy record:
// every line without an assigned broker defaults to that broker.
func unclaimedLines(record *models.COIRecord) []models.PolicyKind {
	out := make([]models.PolicyKind, 0, len(record.Policies))
	for i := range record.Policies {
		if record.Policies[i].Broker.Key() == "" {
			out = append(out, record.Policies[i].Kind)
		}
	}
	return out
}

// Require resolves the broker's lines and fails with an assignment error when there are none.
func (r *BrokerAssignmentResolver) Require(record *models.COIRecord, email string) ([]models.PolicyKind, error) {
	kinds := r.Resolve(record, email)
	if len(kinds) == 0 {
		return nil, appErrors.Clone(appErrors.ErrAssignment, "")
	}
	return kinds, nil
}

// Manages reports whether kind is among the broker's resolved lines.
func (r *BrokerAssignmentResolver) Manages(record *models.COIRecord, email string, kind models.PolicyKind) bool {
	for _, k := range r.Resolve(record, email) {
		if k == kind {
			return true
		}
	}
	return false
}

// Claim writes the broker onto the lines it resolves to but that carry no contact yet, so the
// fallback ownership is persisted with the next save. It returns the kinds claimed.
func (r *BrokerAssignmentResolver) Claim(record *models.COIRecord, contact models.BrokerContact) []models.PolicyKind {
	kinds := r.Resolve(record, contact.Email)
	if len(kinds) == 0 {
		return nil
	}
	contact.Email = models.NormalizeEmail(contact.Email)

	if record.BrokerMode != models.BrokerModePerPolicy {
		if record.Broker.Key() != "" {
			return nil
		}
		owner := contact
		record.Broker = &owner
		record.RefreshBrokerEmails()
		return kinds
	}

	claimed := make([]models.PolicyKind, 0, len(kinds))
	for _, kind := range kinds {
		line := record.Line(kind)
		if line == nil || line.Broker.Key() != "" {
			continue
		}
		owner := contact
		line.Broker = &owner
		claimed = append(claimed, kind)
	}
	record.RefreshBrokerEmails()
	return claimed
}

// Assignment is a requested replacement of the broker contacts on a record.
type Assignment struct {
	Mode      models.BrokerMode
	Broker    *models.BrokerContact
	PerPolicy map[models.PolicyKind]models.BrokerContact
}

// Apply replaces the broker contacts on the record and returns contacts that were not on the
// record before, which are the recipients of a broker_assigned notification.
func (r *BrokerAssignmentResolver) Apply(record *models.COIRecord, assignment Assignment) ([]models.BrokerContact, error) {
	before := make(map[string]struct{})
	for _, b := range record.Brokers() {
		before[b.Key()] = struct{}{}
	}

	switch assignment.Mode {
	case models.BrokerModeSingle:
		record.BrokerMode = models.BrokerModeSingle
		record.Broker = normalizedContact(assignment.Broker)
		for i := range record.Policies {
			record.Policies[i].Broker = nil
		}
	case models.BrokerModePerPolicy:
		for kind := range assignment.PerPolicy {
			if record.Line(kind) == nil {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("record has no %s policy line", kind))
			}
		}
		record.BrokerMode = models.BrokerModePerPolicy
		record.Broker = nil
		for i := range record.Policies {
			contact, ok := assignment.PerPolicy[record.Policies[i].Kind]
			if !ok {
				record.Policies[i].Broker = nil
				continue
			}
			record.Policies[i].Broker = normalizedContact(&contact)
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown broker mode %q", assignment.Mode))
	}

	record.RefreshBrokerEmails()
	added := make([]models.BrokerContact, 0)
	for _, b := range record.Brokers() {
		if _, ok := before[b.Key()]; !ok {
			added = append(added, b)
		}
	}
	return added, nil
}

func normalizedContact(contact *models.BrokerContact) *models.BrokerContact {
	if contact == nil || contact.Key() == "" {
		return nil
	}
	out := *contact
	out.Email = contact.Key()
	return &out
}
