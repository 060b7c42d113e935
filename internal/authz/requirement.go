package authz

import (
	"fmt"
	"strings"
)

// Requirement is a composable boolean expression over capabilities.
type Requirement interface {
	// Check evaluates the requirement against the capabilities a user
	// holds and reports which parts were satisfied.
	Check(granted CapabilitySet) CheckResult
	// Describe renders the requirement for error messages.
	Describe() string
}

// CheckResult captures the outcome of a requirement check, including the
// nested results of compound requirements. Nested results are kept
// unflattened so callers can render the full satisfied/failed tree.
type CheckResult struct {
	Satisfied   bool          `json:"satisfied"`
	Required    []Capability  `json:"required,omitempty"`
	SatisfiedBy []Capability  `json:"satisfied_by,omitempty"`
	Missing     []Capability  `json:"missing,omitempty"`
	Nested      []CheckResult `json:"nested,omitempty"`
	Description string        `json:"description"`
}

// AllMissing unions the missing sets of this result and every failed
// nested result. Used to build user-facing denial messages.
func (r CheckResult) AllMissing() []Capability {
	set := NewCapabilitySet(r.Missing...)
	for _, nested := range r.Nested {
		if nested.Satisfied {
			continue
		}
		for _, c := range nested.AllMissing() {
			set.Add(c)
		}
	}
	return set.Sorted()
}

type singleRequirement struct {
	cap Capability
}

// Single requires exactly one capability.
func Single(cap Capability) Requirement {
	return singleRequirement{cap: cap}
}

func (r singleRequirement) Check(granted CapabilitySet) CheckResult {
	result := CheckResult{
		Required:    []Capability{r.cap},
		Description: r.Describe(),
	}
	if granted.Has(r.cap) {
		result.Satisfied = true
		result.SatisfiedBy = []Capability{r.cap}
	} else {
		result.Missing = []Capability{r.cap}
	}
	return result
}

func (r singleRequirement) Describe() string {
	return string(r.cap)
}

type allOfRequirement struct {
	caps []Capability
}

// AllOf requires every listed capability.
func AllOf(caps ...Capability) Requirement {
	return allOfRequirement{caps: caps}
}

func (r allOfRequirement) Check(granted CapabilitySet) CheckResult {
	result := CheckResult{
		Required:    r.caps,
		Description: r.Describe(),
	}
	for _, c := range r.caps {
		if granted.Has(c) {
			result.SatisfiedBy = append(result.SatisfiedBy, c)
		} else {
			result.Missing = append(result.Missing, c)
		}
	}
	result.Satisfied = len(result.Missing) == 0
	return result
}

func (r allOfRequirement) Describe() string {
	return fmt.Sprintf("all of [%s]", joinCaps(r.caps))
}

type anyOfRequirement struct {
	caps []Capability
}

// AnyOf requires at least one of the listed capabilities.
func AnyOf(caps ...Capability) Requirement {
	return anyOfRequirement{caps: caps}
}

func (r anyOfRequirement) Check(granted CapabilitySet) CheckResult {
	result := CheckResult{
		Required:    r.caps,
		Description: r.Describe(),
	}
	for _, c := range r.caps {
		if granted.Has(c) {
			result.SatisfiedBy = append(result.SatisfiedBy, c)
		}
	}
	result.Satisfied = len(result.SatisfiedBy) > 0
	// Missing is only reported when nothing matched; listing absent
	// alternatives next to a satisfied one reads as a false negative.
	if !result.Satisfied {
		result.Missing = r.caps
	}
	return result
}

func (r anyOfRequirement) Describe() string {
	return fmt.Sprintf("any of [%s]", joinCaps(r.caps))
}

type complexRequirement struct {
	all  bool
	subs []Requirement
}

// ComplexAll requires every sub-requirement to be satisfied.
func ComplexAll(subs ...Requirement) Requirement {
	return complexRequirement{all: true, subs: subs}
}

// ComplexAny requires at least one sub-requirement to be satisfied.
func ComplexAny(subs ...Requirement) Requirement {
	return complexRequirement{all: false, subs: subs}
}

func (r complexRequirement) Check(granted CapabilitySet) CheckResult {
	result := CheckResult{Description: r.Describe()}
	satisfiedCount := 0
	for _, sub := range r.subs {
		nested := sub.Check(granted)
		if nested.Satisfied {
			satisfiedCount++
		}
		result.Nested = append(result.Nested, nested)
	}
	if r.all {
		result.Satisfied = satisfiedCount == len(r.subs)
	} else {
		result.Satisfied = satisfiedCount > 0
	}
	return result
}

func (r complexRequirement) Describe() string {
	parts := make([]string, len(r.subs))
	for i, sub := range r.subs {
		parts[i] = "(" + sub.Describe() + ")"
	}
	op := " OR "
	if r.all {
		op = " AND "
	}
	return strings.Join(parts, op)
}

func joinCaps(caps []Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
