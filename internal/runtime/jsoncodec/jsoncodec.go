package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd

	// treeConfig keeps numbers as json.Number so converters can emit them as
	// the decimal text they arrived with.
	treeConfig = sonic.Config{
		EscapeHTML:     true,
		SortMapKeys:    true,
		UseNumber:      true,
		CopyString:     true,
		ValidateString: true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// DecodeTree parses data into generic maps, slices and scalars. Numbers are
// decoded as json.Number.
func DecodeTree(data []byte) (any, error) {
	var tree any
	if err := treeConfig.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// MarshalTree encodes a generic tree with sorted object keys.
func MarshalTree(tree any) ([]byte, error) {
	return treeConfig.Marshal(tree)
}
