package transform

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/drblury/ticketbus/internal/runtime/jsoncodec"
)

// csvDataKey names the array CSVToJSON wraps its rows in.
const csvDataKey = "data"

var errCSVNeedsObjectArray = errors.New("json to csv requires an array of objects")

// CSVToJSON reads the first non-blank line as the header and returns
// {"data":[...]} with one object per remaining line. Quoted fields may
// contain commas and doubled quotes; missing trailing fields become "".
func CSVToJSON(payload []byte) ([]byte, error) {
	lines := csvLines(string(payload))
	rows := make([]any, 0)
	if len(lines) >= 2 {
		header := strings.Split(lines[0], ",")
		for i, h := range header {
			header[i] = strings.Trim(strings.TrimSpace(h), `"`)
		}
		for _, line := range lines[1:] {
			fields := splitCSVLine(line)
			row := make(map[string]any, len(header))
			for i, h := range header {
				if i < len(fields) {
					row[h] = fields[i]
				} else {
					row[h] = ""
				}
			}
			rows = append(rows, row)
		}
	}
	return jsoncodec.MarshalTree(map[string]any{csvDataKey: rows})
}

func csvLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// splitCSVLine splits on commas outside quotes. Quote characters toggle the
// quoted state and are dropped; a doubled quote inside quotes is a literal.
func splitCSVLine(line string) []string {
	var (
		fields  []string
		current strings.Builder
		quoted  bool
	)
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' && quoted && i+1 < len(runes) && runes[i+1] == '"':
			current.WriteRune('"')
			i++
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			fields = append(fields, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(fields, strings.TrimSpace(current.String()))
}

// JSONToCSV writes a header of the sorted union of object keys followed by
// one line per object. Every value is quoted; nested values are embedded as
// compact JSON and null becomes an empty field.
func JSONToCSV(payload []byte) ([]byte, error) {
	tree, err := jsoncodec.DecodeTree(payload)
	if err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	items, ok := tree.([]any)
	if !ok {
		return nil, errCSVNeedsObjectArray
	}
	if len(items) == 0 {
		return []byte{}, nil
	}

	objects := make([]map[string]any, 0, len(items))
	keySet := make(map[string]struct{})
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errCSVNeedsObjectArray
		}
		for k := range obj {
			keySet[k] = struct{}{}
		}
		objects = append(objects, obj)
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(objects)+1)
	lines = append(lines, joinQuoted(keys))
	for _, obj := range objects {
		fields := make([]string, len(keys))
		for i, k := range keys {
			text, err := csvFieldText(obj[k])
			if err != nil {
				return nil, err
			}
			fields[i] = text
		}
		lines = append(lines, joinQuoted(fields))
	}
	return []byte(strings.Join(lines, "\n")), nil
}

func csvFieldText(v any) (string, error) {
	switch v.(type) {
	case nil:
		return "", nil
	case map[string]any, []any:
		raw, err := jsoncodec.MarshalTree(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		return scalarText(v), nil
	}
}

func joinQuoted(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, ",")
}
