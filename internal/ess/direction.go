package ess

import (
	"encoding/json"
	"maps"
	"math"
	"strconv"
	"strings"
)

// Sections and fields of the home telemetry document.
const (
	SectionDirection  = "direction"
	SectionStatistics = "statistics"

	FlagBatteryCharging  = "is_battery_charging_"
	FlagGridSelling      = "is_grid_selling_"
	FlagChargingFromGrid = "is_charging_from_grid_"

	FieldSolarPower   = "pcs_pv_total_power"
	FieldBatteryPower = "batconv_power"
	FieldLoadPower    = "load_power"
	FieldGridPower    = "grid_power"

	// OriginalSuffix marks the untouched copy of a corrected field.
	OriginalSuffix = "_org"
)

var powerFields = []string{FieldSolarPower, FieldBatteryPower, FieldLoadPower, FieldGridPower}

// CorrectPowerDirection returns a copy of doc in which the power fields
// of the statistics section carry a flow-direction sign:
//
//   - batconv_power is negated while the battery charges, from solar or grid
//   - load_power is always negated
//   - grid_power is negated while the system sells to the grid
//
// The value each power field had before correction is kept under
// "<field>_org". The second return is false when doc lacks a direction or
// statistics object; callers skip the document in that case. A document
// that already has "_org" fields is returned unchanged.
func CorrectPowerDirection(doc Document) (Document, bool) {
	direction, ok := asObject(doc[SectionDirection])
	if !ok {
		return nil, false
	}
	stats, ok := asObject(doc[SectionStatistics])
	if !ok {
		return nil, false
	}

	for _, f := range powerFields {
		if _, corrected := stats[f+OriginalSuffix]; corrected {
			return doc, true
		}
	}

	charging := flagSet(direction[FlagBatteryCharging])
	selling := flagSet(direction[FlagGridSelling])
	fromGrid := flagSet(direction[FlagChargingFromGrid])

	fixed := maps.Clone(stats)
	for _, f := range powerFields {
		if v, ok := stats[f]; ok {
			fixed[f+OriginalSuffix] = v
		}
	}

	if charging || fromGrid {
		negateField(fixed, FieldBatteryPower)
	}
	negateField(fixed, FieldLoadPower)
	if selling {
		negateField(fixed, FieldGridPower)
	}

	out := maps.Clone(doc)
	out[SectionStatistics] = fixed
	return out, true
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}

// flagSet interprets a direction flag. The device sends "1"/"0" strings.
func flagSet(v any) bool {
	switch f := v.(type) {
	case string:
		return strings.TrimSpace(f) == "1"
	case json.Number:
		return f.String() == "1"
	case bool:
		return f
	case float64:
		return f == 1
	default:
		return false
	}
}

// negateField replaces m[key] with its negation rendered as a decimal
// float. Missing or non-numeric values are left alone.
func negateField(m map[string]any, key string) {
	v, ok := m[key]
	if !ok {
		return
	}
	n, ok := parseNumber(v)
	if !ok {
		return
	}
	m[key] = formatFloat(-n)
}

func parseNumber(v any) (float64, bool) {
	var s string
	switch n := v.(type) {
	case string:
		s = n
	case json.Number:
		s = n.String()
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// formatFloat renders f with at least one fractional digit ("-100.0",
// "12.5"). Negative zero is rendered as "0.0".
func formatFloat(f float64) string {
	if f == 0 {
		f = 0
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
