package service

import (
	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

// PolicySpec describes one policy line the program can request.
type PolicySpec struct {
	Kind     models.PolicyKind `json:"kind"`
	Label    string            `json:"label"`
	Required bool              `json:"required"`
	Reusable bool              `json:"reusable"`
}

var basePolicySpecs = []PolicySpec{
	{Kind: models.PolicyGL, Label: "General Liability", Required: true},
	{Kind: models.PolicyUmbrella, Label: "Umbrella / Excess Liability", Required: true},
	{Kind: models.PolicyAuto, Label: "Automobile Liability"},
	{Kind: models.PolicyWC, Label: "Workers' Compensation", Reusable: true},
}

// PolicyCatalog is the static definition of the four policy lines.
type PolicyCatalog struct {
	specs []PolicySpec
}

// NewPolicyCatalog applies program level requirements on top of the baseline catalog.
func NewPolicyCatalog(cfg config.WorkflowConfig) *PolicyCatalog {
	specs := make([]PolicySpec, len(basePolicySpecs))
	copy(specs, basePolicySpecs)
	for i := range specs {
		switch specs[i].Kind {
		case models.PolicyAuto:
			specs[i].Required = specs[i].Required || cfg.RequireAuto
		case models.PolicyWC:
			specs[i].Required = specs[i].Required || cfg.RequireWC
		}
	}
	return &PolicyCatalog{specs: specs}
}

// Specs returns the catalog in display order.
func (c *PolicyCatalog) Specs() []PolicySpec {
	out := make([]PolicySpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Spec returns the definition of a kind.
func (c *PolicyCatalog) Spec(kind models.PolicyKind) (PolicySpec, bool) {
	for _, spec := range c.specs {
		if spec.Kind == kind {
			return spec, true
		}
	}
	return PolicySpec{}, false
}

// Label returns the human name of a kind, falling back to the raw value.
func (c *PolicyCatalog) Label(kind models.PolicyKind) string {
	if spec, ok := c.Spec(kind); ok {
		return spec.Label
	}
	return string(kind)
}

// IsBaseline reports whether a kind is baseline project coverage. A missing baseline line
// blocks every submission regardless of which broker manages it.
func IsBaseline(kind models.PolicyKind) bool {
	return kind == models.PolicyGL || kind == models.PolicyUmbrella
}

// Lines builds the policy lines of a new record. Required kinds are always present; optional
// kinds only when opted in. requiredExtra promotes optional kinds to required for this record.
func (c *PolicyCatalog) Lines(optIn, requiredExtra []models.PolicyKind, projectState string) models.PolicyLines {
	opted := kindSet(optIn)
	forced := kindSet(requiredExtra)

	lines := make(models.PolicyLines, 0, len(c.specs))
	for _, spec := range c.specs {
		_, isForced := forced[spec.Kind]
		_, isOpted := opted[spec.Kind]
		required := spec.Required || isForced
		if !required && !isOpted {
			continue
		}
		line := models.PolicyLine{Kind: spec.Kind, Required: required}
		if spec.Reusable {
			line.ReuseScope = models.StateScope(projectState)
		}
		lines = append(lines, line)
	}
	return lines
}

func kindSet(kinds []models.PolicyKind) map[models.PolicyKind]struct{} {
	set := make(map[models.PolicyKind]struct{}, len(kinds))
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
	return set
}
