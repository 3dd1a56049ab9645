package labresult

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Classify reports whether a single raw lab item is positive or abnormal.
// It is a pure function of its input: malformed or unrecognized payloads are
// treated as not abnormal and never cause a panic or error.
func Classify(lab LabName, raw interface{}) bool {
	item, ok := raw.(map[string]interface{})
	if !ok || item == nil {
		return false
	}
	switch lab {
	case LabCrelio:
		return classifyCrelio(item)
	case LabSpotDx:
		return classifySpotDx(item)
	default:
		return false
	}
}

// classifyCrelio expects {value, gender, reportFormat{...}}. A numeric
// highlightFlag is authoritative; otherwise the value is compared strictly
// against the gender-specific reference bounds.
func classifyCrelio(item map[string]interface{}) bool {
	format, _ := item["reportFormat"].(map[string]interface{})

	if flag, ok := jsonNumber(format["highlightFlag"]); ok {
		return flag == 1
	}

	value, ok := parseNumeric(item["value"])
	if !ok {
		return false
	}

	var lowerKey, upperKey string
	switch strings.ToLower(strings.TrimSpace(stringOf(item["gender"]))) {
	case "male":
		lowerKey, upperKey = "lowerBoundMale", "upperBoundMale"
	case "female":
		lowerKey, upperKey = "lowerBoundFemale", "upperBoundFemale"
	default:
		return false
	}

	lower, ok := parseNumeric(format[lowerKey])
	if !ok {
		lower = 0
	}
	upper, ok := parseNumeric(format[upperKey])
	if !ok {
		upper = 0
	}
	return value < lower || value > upper
}

// classifySpotDx dispatches on report_type.
func classifySpotDx(item map[string]interface{}) bool {
	switch item["report_type"] {
	case "reactivity":
		return strings.EqualFold(strings.TrimSpace(stringOf(item["result"])), "positive")
	case "genotype":
		return false
	case "quantity":
		return classifyQuantity(item)
	default:
		return false
	}
}

type censor int

const (
	uncensored censor = iota
	lessThan
	greaterThan
)

// classifyQuantity handles bare numbers and "<X" / ">X" censored values.
// Censored comparisons are inclusive: "<20" against a minimum of 20 means
// the true value lies below the minimum.
func classifyQuantity(item map[string]interface{}) bool {
	value, c, ok := parseQuantity(item["result"])
	if !ok {
		return false
	}

	lo, okLo := parseNumeric(item["minimum_range"])
	hi, okHi := parseNumeric(item["maximum_range"])
	if !okLo || !okHi {
		return false
	}

	switch c {
	case lessThan:
		return value <= lo
	case greaterThan:
		return value >= hi
	default:
		return value < lo || value > hi
	}
}

func parseQuantity(v interface{}) (float64, censor, bool) {
	if n, ok := jsonNumber(v); ok {
		return n, uncensored, true
	}
	s, ok := v.(string)
	if !ok {
		return 0, uncensored, false
	}
	s = strings.TrimSpace(s)
	c := uncensored
	switch {
	case strings.HasPrefix(s, "<"):
		c, s = lessThan, s[1:]
	case strings.HasPrefix(s, ">"):
		c, s = greaterThan, s[1:]
	}
	n, ok := parseFloat(s)
	return n, c, ok
}

// parseNumeric accepts JSON numbers and numeric strings. Null, empty and
// non-numeric values are reported as absent.
func parseNumeric(v interface{}) (float64, bool) {
	if n, ok := jsonNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		return parseFloat(s)
	}
	return 0, false
}

func jsonNumber(v interface{}) (float64, bool) {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// stringOf renders scalar JSON values the way lab payloads expect them to
// be stored: numbers without exponent or trailing zeros.
func stringOf(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
