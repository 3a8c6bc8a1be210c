package transform

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/drblury/ticketbus/internal/runtime/jsoncodec"
)

const (
	xmlRootElement = "root"
	xmlItemElement = "item"
)

var errNoXMLElement = errors.New("xml document has no element")

// JSONToXML wraps the document in a <root> element. Object keys become child
// elements in sorted order, arrays repeat <item> and null renders empty.
func JSONToXML(payload []byte) ([]byte, error) {
	tree, err := jsoncodec.DecodeTree(payload)
	if err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := encodeXMLNode(enc, xmlRootElement, tree); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeXMLNode(enc *xml.Encoder, name string, value any) error {
	start := xml.StartElement{Name: xml.Name{Local: xmlName(name)}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encodeXMLNode(enc, k, v[k]); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := encodeXMLNode(enc, xmlItemElement, item); err != nil {
				return err
			}
		}
	case nil:
	default:
		if err := enc.EncodeToken(xml.CharData(scalarText(v))); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

func scalarText(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

// xmlName maps a JSON key onto a valid element name.
func xmlName(key string) string {
	if key == "" {
		return "_"
	}
	var b strings.Builder
	for i, r := range key {
		switch {
		case r == '_' || unicode.IsLetter(r):
			b.WriteRune(r)
		case i > 0 && (unicode.IsDigit(r) || r == '-' || r == '.'):
			b.WriteRune(r)
		case i == 0 && unicode.IsDigit(r):
			b.WriteRune('_')
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

type xmlNode struct {
	name     string
	text     strings.Builder
	children []*xmlNode
}

// XMLToJSON converts the root element's content to JSON. Leaf elements
// become their text, repeated sibling names collapse into arrays. Attributes
// are dropped.
func XMLToJSON(payload []byte) ([]byte, error) {
	root, err := parseXML(payload)
	if err != nil {
		return nil, err
	}
	return jsoncodec.MarshalTree(xmlNodeValue(root))
}

func parseXML(payload []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	var (
		stack []*xmlNode
		root  *xmlNode
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, errNoXMLElement
	}
	return root, nil
}

func xmlNodeValue(n *xmlNode) any {
	if len(n.children) == 0 {
		return strings.TrimSpace(n.text.String())
	}
	obj := make(map[string]any, len(n.children))
	repeated := make(map[string]bool)
	for _, c := range n.children {
		v := xmlNodeValue(c)
		existing, ok := obj[c.name]
		switch {
		case !ok:
			obj[c.name] = v
		case repeated[c.name]:
			obj[c.name] = append(existing.([]any), v)
		default:
			obj[c.name] = []any{existing, v}
			repeated[c.name] = true
		}
	}
	return obj
}
