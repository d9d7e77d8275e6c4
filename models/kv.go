package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Historical spellings of the KV-number fields. Array-valued aliases are
// consulted as a whole group before any scalar alias; within each group the
// first alias yielding a non-empty result wins.
var (
	kvArrayAliases  = []string{"kvNummern", "kv_nummern", "kvNumbers", "kvList", "kv_liste"}
	kvScalarAliases = []string{"kv_nummer", "kvNummer", "kvnummer", "kv"}
)

// KvListFromPayload extracts the normalized KV-number list from a raw
// payload field map: trimmed, empties dropped, de-duplicated keeping first
// occurrence, insertion order preserved (first element is primary).
func KvListFromPayload(fields map[string]json.RawMessage) []string {
	for _, name := range kvArrayAliases {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if vals := dedupTrim(kvValuesFromRaw(raw)); len(vals) > 0 {
			return vals
		}
	}
	for _, name := range kvScalarAliases {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if vals := dedupTrim(kvValuesFromRaw(raw)); len(vals) > 0 {
			return vals
		}
	}
	return nil
}

// KvListFrom computes the entry's normalized KV list from its typed fields
// and any legacy extras.
func KvListFrom(e *Entry) []string {
	return KvListFromPayload(e.fieldsView())
}

// ApplyKvList writes the canonical list and mirrors its first element into
// the two legacy scalar fields.
func ApplyKvList(e *Entry, list []string) {
	e.KvNumbers = list
	primary := ""
	if len(list) > 0 {
		primary = list[0]
	}
	e.KvNummer = primary
	e.Kv = primary
}

// EnsureKvStructure canonicalizes the entry's KV fields in place.
// Calling it twice produces the same result.
func EnsureKvStructure(e *Entry) {
	ApplyKvList(e, KvListFrom(e))
	for i := range e.Transactions {
		t := &e.Transactions[i]
		t.KvNumbers = t.KvList()
		if len(t.KvNumbers) > 0 {
			t.KvNummer = t.KvNumbers[0]
		} else {
			t.KvNummer = ""
		}
	}
}

// kvValuesFromRaw interprets one alias value. Arrays are taken element-wise;
// a scalar may itself encode a list (JSON literal or ,;| separated).
func kvValuesFromRaw(raw json.RawMessage) []string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	switch trimmed[0] {
	case '[':
		var arr []any
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil
		}
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			switch tv := v.(type) {
			case string:
				out = append(out, tv)
			case float64:
				out = append(out, strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", tv), "0"), "."))
			}
		}
		return out
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return splitKvScalar(s)
	default:
		// bare number or other literal
		return splitKvScalar(trimmed)
	}
}

// splitKvScalar handles scalar values that encode a list: JSON array/object
// literals are parsed as JSON and used if they decode to an array; anything
// else is split on the known separators.
func splitKvScalar(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			out := make([]string, 0, len(arr))
			for _, v := range arr {
				if sv, ok := v.(string); ok {
					out = append(out, sv)
				}
			}
			return out
		}
		if strings.HasPrefix(s, "{") {
			// object literal carries no usable list
			return nil
		}
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
}

func dedupTrim(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
