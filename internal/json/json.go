// Package json routes all JSON encoding through sonic so the hot proxy path and
// the admin surface share one codec.
package json

import (
	"io"

	"github.com/bytedance/sonic"
)

func Marshal(v any) ([]byte, error) { return sonic.Marshal(v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return sonic.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error { return sonic.Unmarshal(data, v) }

func NewDecoder(r io.Reader) sonic.Decoder { return sonic.ConfigDefault.NewDecoder(r) }

func NewEncoder(w io.Writer) sonic.Encoder { return sonic.ConfigDefault.NewEncoder(w) }
