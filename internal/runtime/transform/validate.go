package transform

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/drblury/ticketbus/internal/runtime/jsoncodec"
)

// ValidateFormat reports whether payload looks like a document of format.
// Unknown formats are accepted.
func ValidateFormat(payload []byte, format string) bool {
	switch NormalizeFormat(format) {
	case FormatJSON:
		return jsoncodec.Valid(payload)
	case FormatXML:
		return validXML(payload)
	case FormatCSV:
		for _, line := range csvLines(string(payload)) {
			if strings.Contains(line, ",") {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func validXML(payload []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	sawElement := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return sawElement
		}
		if err != nil {
			return false
		}
		if _, ok := tok.(xml.StartElement); ok {
			sawElement = true
		}
	}
}
