package models

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Field aliases consulted when reconciling narrow ERP-style rows.
var (
	amountAliases        = []string{"amount", "betrag", "summe", "wert", "auftragswert"}
	titleAliases         = []string{"title", "titel", "name", "projektname"}
	clientAliases        = []string{"client", "kunde", "auftraggeber"}
	projectNumberAliases = []string{"projectNumber", "projektnummer", "projekt_nr"}
)

// IsFullEntry reports whether the payload is a complete record (create or
// replace wholesale) rather than a single KV+amount fact to reconcile.
func IsFullEntry(fields map[string]json.RawMessage) bool {
	if _, ok := fields["projectType"]; ok {
		return true
	}
	if _, ok := fields["transactions"]; ok {
		return true
	}
	for _, name := range []string{"rows", "list", "weights"} {
		if raw, ok := fields[name]; ok && isJSONArray(raw) {
			return true
		}
	}
	return false
}

func isJSONArray(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
}

// ValidateRow checks a narrow (non-full-entry) payload. Full entries bypass
// this, they are assumed structurally valid.
func ValidateRow(fields map[string]json.RawMessage) (string, bool) {
	if len(KvListFromPayload(fields)) == 0 {
		return ReasonMissingKv, false
	}
	if _, ok := PayloadAmount(fields); !ok {
		return ReasonMissingAmount, false
	}
	return "", true
}

// PayloadAmount returns the first amount alias that parses to a finite
// number.
func PayloadAmount(fields map[string]json.RawMessage) (decimal.Decimal, bool) {
	for _, name := range amountAliases {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if d, ok := ParseAmountRaw(raw); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}

func PayloadTitle(fields map[string]json.RawMessage) string {
	return payloadString(fields, titleAliases)
}

func PayloadClient(fields map[string]json.RawMessage) string {
	return payloadString(fields, clientAliases)
}

func PayloadProjectNumber(fields map[string]json.RawMessage) string {
	return payloadString(fields, projectNumberAliases)
}

func payloadString(fields map[string]json.RawMessage, aliases []string) string {
	for _, name := range aliases {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// ParseAmountRaw accepts JSON numbers and formatted strings.
func ParseAmountRaw(raw json.RawMessage) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return decimal.Zero, false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, false
		}
		return ParseAmountString(s)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// germanGroup matches a 3-digit dot group before a comma ("12.345,67").
var germanGroup = regexp.MustCompile(`\.\d{3}(?:\D|$)`)

// ParseAmountString parses user-formatted amounts, accepting German decimal
// notation ("12.345,67" -> 12345.67) as well as plain "12345.67" and
// English grouping "12,345.67". A comma is treated as the decimal separator
// when a 3-digit dot group precedes it, or when no dot is present at all.
func ParseAmountString(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	for _, sym := range []string{"€", "EUR", "eur"} {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	if strings.Contains(s, ",") {
		if !strings.Contains(s, ".") || germanGroup.MatchString(s) {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
