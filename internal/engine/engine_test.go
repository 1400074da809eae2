package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetflow/importd/internal/model"
)

func testMapping() model.Mapping {
	return model.Mapping{
		"date":        {Source: "Date"},
		"campaign":    {Source: "Campaign"},
		"channel":     {Source: "Channel"},
		"spend":       {Source: "Cost", Currency: true},
		"clicks":      {Source: "Clicks"},
		"conversions": {Source: "Conversions"},
	}
}

func TestTransform_AcceptsValidRow(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost", "Clicks", "Conversions"})
	row := map[string]string{
		"Date":        "2025-03-14",
		"Campaign":    "spring-sale",
		"Channel":     "search",
		"Cost":        "$1,234.56",
		"Clicks":      "1,200",
		"Conversions": "37",
	}

	rec, rowErr := Transform(header, row, 2, testMapping(), nil, 0)
	require.Nil(t, rowErr)
	require.NotNil(t, rec)

	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), rec.Date)
	assert.Equal(t, "spring-sale", rec.Campaign)
	assert.Equal(t, "search", rec.Channel)
	assert.Equal(t, int64(123456), rec.SpendCents)
	assert.Equal(t, 1200, rec.Clicks)
	assert.Equal(t, 37, rec.Conversions)
}

func TestTransform_HeaderIsCaseInsensitive(t *testing.T) {
	header := NewHeader([]string{"DATE", "campaign", "Channel", "cost"})
	row := map[string]string{
		"DATE":     "2025-01-01",
		"campaign": "c",
		"Channel":  "email",
		"cost":     "5.00",
	}
	mapping := model.Mapping{
		"date":     {Source: "Date"},
		"campaign": {Source: "Campaign"},
		"channel":  {Source: "CHANNEL"},
		"spend":    {Source: "Cost"},
	}

	rec, rowErr := Transform(header, row, 2, mapping, nil, 0)
	require.Nil(t, rowErr)
	assert.Equal(t, int64(500), rec.SpendCents)
}

func TestTransform_MissingRequiredField(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost"})
	row := map[string]string{
		"Date":     "2025-03-14",
		"Campaign": "spring",
		"Channel":  "  ", // whitespace only counts as empty
		"Cost":     "10.00",
	}

	rec, rowErr := Transform(header, row, 5, testMapping(), nil, 0)
	require.Nil(t, rec)
	require.NotNil(t, rowErr)
	assert.Equal(t, 5, rowErr.RowNumber)
	assert.Equal(t, "channel", rowErr.Field)
	assert.Contains(t, rowErr.Message, "missing or empty")
}

func TestTransform_FirstViolationInCanonicalOrderWins(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost"})
	// Both the date and the spend are broken; date comes first canonically.
	row := map[string]string{
		"Date":     "not-a-date",
		"Campaign": "c",
		"Channel":  "search",
		"Cost":     "abc",
	}

	_, rowErr := Transform(header, row, 3, testMapping(), nil, 0)
	require.NotNil(t, rowErr)
	assert.Equal(t, "date", rowErr.Field)
}

func TestTransform_DateFormats(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost"})
	base := map[string]string{"Campaign": "c", "Channel": "search", "Cost": "1.00"}

	tests := []struct {
		name   string
		format string
		raw    string
		want   time.Time
		fails  bool
	}{
		{name: "iso default", raw: "2025-12-31", want: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)},
		{name: "us fallback", raw: "12/31/2025", want: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)},
		{name: "us hint", format: "MM/DD/YYYY", raw: "03/04/2025", want: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)},
		{name: "garbage", raw: "31st of June", fails: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := map[string]string{"Date": tt.raw}
			for k, v := range base {
				row[k] = v
			}
			mapping := testMapping()
			mapping["date"] = model.FieldMapping{Source: "Date", Format: tt.format}

			rec, rowErr := Transform(header, row, 2, mapping, nil, 0)
			if tt.fails {
				require.NotNil(t, rowErr)
				assert.Equal(t, "date", rowErr.Field)
				return
			}
			require.Nil(t, rowErr)
			assert.Equal(t, tt.want, rec.Date)
		})
	}
}

func TestTransform_SpendValidation(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost"})
	base := map[string]string{"Date": "2025-01-01", "Campaign": "c", "Channel": "search"}

	tests := []struct {
		name     string
		currency bool
		raw      string
		want     int64
		errMsg   string
	}{
		{name: "plain", raw: "12.34", want: 1234},
		{name: "currency symbols", currency: true, raw: "$1,000.50", want: 100050},
		{name: "negative rejected", raw: "-3.00", errMsg: "spend must be >= 0"},
		{name: "not a number", raw: "free", errMsg: "invalid number"},
		{name: "three fraction digits", raw: "1.234", errMsg: "invalid number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := map[string]string{"Cost": tt.raw}
			for k, v := range base {
				row[k] = v
			}
			mapping := testMapping()
			mapping["spend"] = model.FieldMapping{Source: "Cost", Currency: tt.currency}

			rec, rowErr := Transform(header, row, 2, mapping, nil, 0)
			if tt.errMsg != "" {
				require.NotNil(t, rowErr)
				assert.Equal(t, "spend", rowErr.Field)
				assert.Contains(t, rowErr.Message, tt.errMsg)
				return
			}
			require.Nil(t, rowErr)
			assert.Equal(t, tt.want, rec.SpendCents)
		})
	}
}

func TestTransform_OptionalFieldDefaults(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost"})
	row := map[string]string{
		"Date":     "2025-01-01",
		"Campaign": "c",
		"Channel":  "search",
		"Cost":     "1.00",
	}
	five := 5
	mapping := testMapping()
	mapping["clicks"] = model.FieldMapping{Source: "Clicks", Default: &five}
	delete(mapping, "conversions")

	rec, rowErr := Transform(header, row, 2, mapping, nil, 0)
	require.Nil(t, rowErr)
	assert.Equal(t, 5, rec.Clicks, "default applies when the column is absent")
	assert.Equal(t, 0, rec.Conversions, "unmapped optional field zeroes out")
}

func TestTransform_NegativeCounts(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost", "Clicks"})
	row := map[string]string{
		"Date":     "2025-01-01",
		"Campaign": "c",
		"Channel":  "search",
		"Cost":     "1.00",
		"Clicks":   "-10",
	}

	_, rowErr := Transform(header, row, 2, testMapping(), nil, 0)
	require.NotNil(t, rowErr)
	assert.Equal(t, "clicks", rowErr.Field)
	assert.Contains(t, rowErr.Message, "clicks must be >= 0")
}

func TestTransform_FieldLengthCap(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost"})
	row := map[string]string{
		"Date":     "2025-01-01",
		"Campaign": strings.Repeat("x", 50),
		"Channel":  "search",
		"Cost":     "1.00",
	}

	_, rowErr := Transform(header, row, 2, testMapping(), nil, 20)
	require.NotNil(t, rowErr)
	assert.Equal(t, "Campaign", rowErr.Field)
	assert.Contains(t, rowErr.Message, "maximum length")
	assert.True(t, rowErr.OmitRaw, "oversized values are not persisted in raw_row")
}

func TestTransform_Rules(t *testing.T) {
	header := NewHeader([]string{"Date", "Campaign", "Channel", "Cost"})
	row := func(overrides map[string]string) map[string]string {
		m := map[string]string{
			"Date":     "2025-06-15",
			"Campaign": "summer",
			"Channel":  "search",
			"Cost":     "50.00",
		}
		for k, v := range overrides {
			m[k] = v
		}
		return m
	}
	min := 10.0
	max := 100.0
	minLen := 3

	tests := []struct {
		name      string
		rules     model.RuleSet
		overrides map[string]string
		wantField string
		wantMsg   string
	}{
		{
			name:      "spend below min",
			rules:     model.RuleSet{"spend": {Min: &min}},
			overrides: map[string]string{"Cost": "5.00"},
			wantField: "spend",
			wantMsg:   "spend must be >= 10",
		},
		{
			name:      "spend above max",
			rules:     model.RuleSet{"spend": {Max: &max}},
			overrides: map[string]string{"Cost": "500.00"},
			wantField: "spend",
			wantMsg:   "spend must be <= 100",
		},
		{
			name:      "channel not allowed",
			rules:     model.RuleSet{"channel": {Allowed: []string{"search", "social"}}},
			overrides: map[string]string{"Channel": "carrier-pigeon"},
			wantField: "channel",
			wantMsg:   "one of: search, social",
		},
		{
			name:      "campaign too short",
			rules:     model.RuleSet{"campaign": {MinLength: &minLen}},
			overrides: map[string]string{"Campaign": "ab"},
			wantField: "campaign",
			wantMsg:   "at least 3 characters",
		},
		{
			name:      "date before window",
			rules:     model.RuleSet{"date": {MinDate: "2025-07-01"}},
			wantField: "date",
			wantMsg:   "date must be >= 2025-07-01",
		},
		{
			name:  "within all bounds",
			rules: model.RuleSet{"spend": {Min: &min, Max: &max}, "date": {MaxDate: "2025-12-31"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, rowErr := Transform(header, row(tt.overrides), 2, testMapping(), tt.rules, 0)
			if tt.wantField == "" {
				require.Nil(t, rowErr)
				require.NotNil(t, rec)
				return
			}
			require.NotNil(t, rowErr)
			assert.Equal(t, tt.wantField, rowErr.Field)
			assert.Contains(t, rowErr.Message, tt.wantMsg)
		})
	}
}
