package model

import (
	"fmt"
	"strings"
)

// Canonical target fields, in the fixed order used for validation. The order
// determines which violation is reported when a row has several problems.
var CanonicalFields = []string{"date", "campaign", "channel", "spend", "clicks", "conversions"}

var requiredFields = map[string]bool{
	"date":     true,
	"campaign": true,
	"channel":  true,
	"spend":    true,
}

// RequiredField reports whether the canonical field must resolve to a value.
func RequiredField(name string) bool {
	return requiredFields[name]
}

// FieldMapping maps one canonical field onto a source column.
type FieldMapping struct {
	// Source is the CSV column name, matched case-insensitively.
	Source string `json:"source"`
	// Format is a date format hint: "YYYY-MM-DD" (default) or "MM/DD/YYYY".
	Format string `json:"format,omitempty"`
	// Currency strips $ , and whitespace from spend values before parsing.
	Currency bool `json:"currency,omitempty"`
	// Default is used for optional fields when the source is absent or blank.
	Default *int `json:"default,omitempty"`
}

// Mapping is the per-dataset column mapping, keyed by canonical field.
type Mapping map[string]FieldMapping

// Validate checks that the mapping covers every required canonical field and
// references no unknown ones. Runs cannot be started against an invalid
// mapping.
func (m Mapping) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("mapping must be a non-empty object")
	}
	known := make(map[string]bool, len(CanonicalFields))
	for _, f := range CanonicalFields {
		known[f] = true
	}
	for field := range m {
		if !known[field] {
			return fmt.Errorf("unknown field %q", field)
		}
	}
	for _, field := range CanonicalFields {
		fm, ok := m[field]
		if requiredFields[field] {
			if !ok {
				return fmt.Errorf("required field %q is missing", field)
			}
			if strings.TrimSpace(fm.Source) == "" {
				return fmt.Errorf("field %q must have a non-empty source column", field)
			}
			continue
		}
		// Optional fields may be omitted entirely, but a present entry with a
		// blank source and no default is a configuration mistake.
		if ok && strings.TrimSpace(fm.Source) == "" && fm.Default == nil {
			return fmt.Errorf("field %q needs a source column or a default", field)
		}
	}
	return nil
}

// FieldRule bounds a single canonical field after mapping.
type FieldRule struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Allowed   []string `json:"allowed,omitempty"`
	MinDate   string   `json:"minDate,omitempty"` // YYYY-MM-DD
	MaxDate   string   `json:"maxDate,omitempty"` // YYYY-MM-DD
}

// RuleSet holds validation rules keyed by canonical field, applied after
// mapping and before acceptance.
type RuleSet map[string]FieldRule
