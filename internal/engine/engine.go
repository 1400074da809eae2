// Package engine implements the pure mapping/validation transform that turns
// one raw CSV row into either a canonical record or a structured row error.
// It performs no I/O and keeps no state; it is safe to call concurrently.
package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sheetflow/importd/internal/model"
)

const dateLayout = "2006-01-02"
const dateLayoutUS = "01/02/2006"

// Record is the typed canonical form of one accepted row.
type Record struct {
	Date        time.Time
	Campaign    string
	Channel     string
	SpendCents  int64
	Clicks      int
	Conversions int
}

// RowError describes why a row was rejected. An empty Field marks a row-level
// problem rather than a single-field one. OmitRaw is set when the row carries
// an oversized value that should not be persisted verbatim.
type RowError struct {
	RowNumber int
	Field     string
	Message   string
	OmitRaw   bool
}

// Header resolves source column names case-insensitively against the CSV
// header, the way spreadsheet exports tend to drift between "Date" and "date".
type Header map[string]string

// NewHeader builds a lookup from the CSV header row.
func NewHeader(columns []string) Header {
	h := make(Header, len(columns))
	for _, c := range columns {
		h[strings.ToLower(strings.TrimSpace(c))] = c
	}
	return h
}

func (h Header) resolve(row map[string]string, source string) (string, bool) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", false
	}
	key := source
	if exact, ok := h[strings.ToLower(source)]; ok {
		key = exact
	}
	val, ok := row[key]
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", false
	}
	return val, true
}

// Transform maps and validates one raw row. It returns exactly one of a
// canonical record or a row error. Fields are processed in the fixed canonical
// order and the first violation wins, so error output is deterministic for a
// given input.
func Transform(header Header, row map[string]string, rowNumber int, mapping model.Mapping, rules model.RuleSet, maxFieldChars int) (*Record, *RowError) {
	if maxFieldChars > 0 {
		for _, col := range sortedKeys(row) {
			if n := len(row[col]); n > maxFieldChars {
				return nil, &RowError{
					RowNumber: rowNumber,
					Field:     col,
					Message:   fmt.Sprintf("field value exceeds maximum length: %d chars (max %d)", n, maxFieldChars),
					OmitRaw:   true,
				}
			}
		}
	}

	rec := &Record{}
	for _, field := range model.CanonicalFields {
		fm := mapping[field]
		raw, ok := header.resolve(row, fm.Source)
		if !ok {
			if model.RequiredField(field) {
				source := strings.TrimSpace(fm.Source)
				if source == "" {
					source = field
				}
				return nil, &RowError{
					RowNumber: rowNumber,
					Field:     field,
					Message:   fmt.Sprintf("missing or empty value for mapped column %q", source),
				}
			}
			n := 0
			if fm.Default != nil {
				n = *fm.Default
			}
			switch field {
			case "clicks":
				rec.Clicks = n
			case "conversions":
				rec.Conversions = n
			}
			continue
		}
		if rowErr := parseField(rec, field, raw, fm, rowNumber); rowErr != nil {
			return nil, rowErr
		}
	}

	if rowErr := applyRules(rec, rules, rowNumber); rowErr != nil {
		return nil, rowErr
	}
	return rec, nil
}

func parseField(rec *Record, field, raw string, fm model.FieldMapping, rowNumber int) *RowError {
	fail := func(msg string) *RowError {
		return &RowError{RowNumber: rowNumber, Field: field, Message: msg}
	}
	switch field {
	case "date":
		d, err := parseDate(raw, fm.Format)
		if err != nil {
			return fail(fmt.Sprintf("invalid date: %q", raw))
		}
		rec.Date = d
	case "campaign":
		rec.Campaign = raw
	case "channel":
		rec.Channel = raw
	case "spend":
		s := raw
		if fm.Currency {
			s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
		}
		cents, err := model.ParseSpend(s)
		if err != nil {
			return fail(fmt.Sprintf("invalid number for spend: %q", raw))
		}
		if cents < 0 {
			return fail("spend must be >= 0")
		}
		rec.SpendCents = cents
	case "clicks", "conversions":
		n, err := strconv.Atoi(strings.ReplaceAll(raw, ",", ""))
		if err != nil {
			return fail(fmt.Sprintf("invalid integer for %s: %q", field, raw))
		}
		if n < 0 {
			return fail(fmt.Sprintf("%s must be >= 0", field))
		}
		if field == "clicks" {
			rec.Clicks = n
		} else {
			rec.Conversions = n
		}
	}
	return nil
}

// parseDate accepts ISO dates by default and US-style dates when the mapping's
// format hint says so, falling back to the US layout the way real exports mix
// the two within one file.
func parseDate(raw, format string) (time.Time, error) {
	fmtHint := strings.ToUpper(strings.TrimSpace(format))
	primary := dateLayout
	if strings.Contains(fmtHint, "MM/DD") || strings.Contains(fmtHint, "MM-DD") {
		primary = dateLayoutUS
	}
	if d, err := time.Parse(primary, raw); err == nil {
		return d, nil
	}
	return time.Parse(dateLayoutUS, raw)
}

func applyRules(rec *Record, rules model.RuleSet, rowNumber int) *RowError {
	if len(rules) == 0 {
		return nil
	}
	for _, field := range model.CanonicalFields {
		rule, ok := rules[field]
		if !ok {
			continue
		}
		fail := func(msg string) *RowError {
			return &RowError{RowNumber: rowNumber, Field: field, Message: msg}
		}
		switch field {
		case "spend", "clicks", "conversions":
			var v float64
			switch field {
			case "spend":
				v = float64(rec.SpendCents) / 100
			case "clicks":
				v = float64(rec.Clicks)
			case "conversions":
				v = float64(rec.Conversions)
			}
			if rule.Min != nil && v < *rule.Min {
				return fail(fmt.Sprintf("%s must be >= %v", field, *rule.Min))
			}
			if rule.Max != nil && v > *rule.Max {
				return fail(fmt.Sprintf("%s must be <= %v", field, *rule.Max))
			}
		case "campaign", "channel":
			v := rec.Campaign
			if field == "channel" {
				v = rec.Channel
			}
			if rule.MinLength != nil && len(v) < *rule.MinLength {
				return fail(fmt.Sprintf("%s must be at least %d characters", field, *rule.MinLength))
			}
			if rule.MaxLength != nil && len(v) > *rule.MaxLength {
				return fail(fmt.Sprintf("%s must be at most %d characters", field, *rule.MaxLength))
			}
			if len(rule.Allowed) > 0 && !contains(rule.Allowed, v) {
				return fail(fmt.Sprintf("%s must be one of: %s", field, strings.Join(rule.Allowed, ", ")))
			}
		case "date":
			if rule.MinDate != "" {
				if min, err := time.Parse(dateLayout, rule.MinDate); err == nil && rec.Date.Before(min) {
					return fail(fmt.Sprintf("date must be >= %s", rule.MinDate))
				}
			}
			if rule.MaxDate != "" {
				if max, err := time.Parse(dateLayout, rule.MaxDate); err == nil && rec.Date.After(max) {
					return fail(fmt.Sprintf("date must be <= %s", rule.MaxDate))
				}
			}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// sortedKeys keeps the length-cap scan deterministic across map iteration.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
