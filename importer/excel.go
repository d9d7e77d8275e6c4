// Package importer turns uploaded XLSX exports into the narrow row shape
// the reconciliation engine consumes.
package importer

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// headerAliases maps spreadsheet column titles (as exported by the ERP and
// by hand-maintained sheets) onto the payload field names the row
// classifier understands. Unknown columns are carried through under their
// lowercased header so nothing is silently dropped.
var headerAliases = map[string]string{
	"kv":             "kv",
	"kv-nummer":      "kv_nummer",
	"kv nummer":      "kv_nummer",
	"kvnummer":       "kv_nummer",
	"kv-nummern":     "kvNummern",
	"kv nummern":     "kvNummern",
	"betrag":         "betrag",
	"amount":         "amount",
	"summe":          "summe",
	"auftragswert":   "auftragswert",
	"titel":          "titel",
	"title":          "title",
	"projektname":    "projektname",
	"name":           "name",
	"kunde":          "kunde",
	"client":         "client",
	"auftraggeber":   "auftraggeber",
	"projektnummer":  "projektnummer",
	"projekt-nr":     "projekt_nr",
	"projekt nr":     "projekt_nr",
	"project number": "projectNumber",
	"projectnumber":  "projectNumber",
}

// RowsFromExcel reads the first sheet: row one is the header, every later
// row becomes one payload. Rows whose cells are all empty are skipped.
func RowsFromExcel(r io.Reader) ([]map[string]json.RawMessage, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, errors.New("sheet has no data rows")
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = fieldNameForHeader(h)
	}

	var out []map[string]json.RawMessage
	for _, row := range rows[1:] {
		payload := make(map[string]json.RawMessage)
		for i, cell := range row {
			if i >= len(headers) || headers[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			b, err := json.Marshal(cell)
			if err != nil {
				continue
			}
			payload[headers[i]] = b
		}
		if len(payload) == 0 {
			continue
		}
		out = append(out, payload)
	}
	if len(out) == 0 {
		return nil, errors.New("sheet has no data rows")
	}
	return out, nil
}

func fieldNameForHeader(header string) string {
	key := strings.ToLower(strings.TrimSpace(header))
	if key == "" {
		return ""
	}
	if mapped, ok := headerAliases[key]; ok {
		return mapped
	}
	return key
}
