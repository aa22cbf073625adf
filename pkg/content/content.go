// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package content converts message payloads to and from the content types
// and encodings announced in the T and E headers.
package content

import (
	"bytes"
	"encoding"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrUnknownEncoding  = errors.New("unknown content encoding")
	ErrUnknownType      = errors.New("unknown content type")
	ErrUnsupportedValue = errors.New("value cannot be represented in content type")
)

// Encoding is a payload transfer encoding. The zero value means unset.
type Encoding uint8

const (
	EncodingUnset Encoding = iota
	Identity
	Deflate
	GZip
	LZ4
)

var encodingNames = map[Encoding]string{
	Identity: "identity",
	Deflate:  "deflate",
	GZip:     "gzip",
	LZ4:      "lz4",
}

// String returns the wire token.
func (e Encoding) String() string {
	if s, ok := encodingNames[e]; ok {
		return s
	}
	return ""
}

// ParseEncoding maps a wire token to an Encoding. An empty token is identity.
func ParseEncoding(s string) (Encoding, error) {
	if s == "" {
		return Identity, nil
	}
	for e, name := range encodingNames {
		if name == s {
			return e, nil
		}
	}
	return EncodingUnset, fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
}

// Type is a payload content type. The zero value means unset.
type Type uint8

const (
	TypeUnset Type = iota
	Binary
	JSON
	BSON
	XML
	ImportedXML
	Text
)

var typeNames = map[Type]string{
	Binary:      "application/x-sc-bin",
	JSON:        "text/json",
	BSON:        "application/x-sc-bson",
	XML:         "application/x-sc-xml",
	ImportedXML: "text/xml",
	Text:        "text/plain",
}

// String returns the MIME type.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return ""
}

// ParseType maps a MIME type to a Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeUnset, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Encode marshals v as t and compresses the result with enc.
func Encode(v any, t Type, enc Encoding) ([]byte, error) {
	raw, err := Marshal(t, v)
	if err != nil {
		return nil, err
	}
	return Compress(enc, raw)
}

// Decode decompresses data with enc and unmarshals it as t into v.
func Decode(data []byte, t Type, enc Encoding, v any) error {
	raw, err := Decompress(enc, data)
	if err != nil {
		return err
	}
	return Unmarshal(t, raw, v)
}

// Marshal serializes v in the given content type.
func Marshal(t Type, v any) ([]byte, error) {
	switch t {
	case Binary:
		switch val := v.(type) {
		case []byte:
			return bytes.Clone(val), nil
		case encoding.BinaryMarshaler:
			return val.MarshalBinary()
		}
		return nil, fmt.Errorf("%w: %T as %s", ErrUnsupportedValue, v, t)
	case JSON:
		return json.Marshal(v)
	case BSON:
		return bson.Marshal(v)
	case XML, ImportedXML:
		return xml.Marshal(v)
	case Text:
		switch val := v.(type) {
		case string:
			return []byte(val), nil
		case []byte:
			return bytes.Clone(val), nil
		case encoding.TextMarshaler:
			return val.MarshalText()
		}
		return nil, fmt.Errorf("%w: %T as %s", ErrUnsupportedValue, v, t)
	}
	return nil, ErrUnknownType
}

// Unmarshal parses data in the given content type into v.
func Unmarshal(t Type, data []byte, v any) error {
	switch t {
	case Binary:
		switch val := v.(type) {
		case *[]byte:
			*val = bytes.Clone(data)
			return nil
		case encoding.BinaryUnmarshaler:
			return val.UnmarshalBinary(data)
		}
		return fmt.Errorf("%w: %T as %s", ErrUnsupportedValue, v, t)
	case JSON:
		return json.Unmarshal(data, v)
	case BSON:
		return bson.Unmarshal(data, v)
	case XML, ImportedXML:
		return xml.Unmarshal(data, v)
	case Text:
		switch val := v.(type) {
		case *string:
			*val = string(data)
			return nil
		case *[]byte:
			*val = bytes.Clone(data)
			return nil
		case encoding.TextUnmarshaler:
			return val.UnmarshalText(data)
		}
		return fmt.Errorf("%w: %T as %s", ErrUnsupportedValue, v, t)
	}
	return ErrUnknownType
}

// Compress applies enc to data. Identity returns data unchanged.
func Compress(enc Encoding, data []byte) ([]byte, error) {
	var (
		buf bytes.Buffer
		w   io.WriteCloser
	)
	switch enc {
	case Identity:
		return data, nil
	case Deflate:
		w = zlib.NewWriter(&buf)
	case GZip:
		w = gzip.NewWriter(&buf)
	case LZ4:
		w = lz4.NewWriter(&buf)
	default:
		return nil, ErrUnknownEncoding
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(enc Encoding, data []byte) ([]byte, error) {
	var r io.Reader
	switch enc {
	case Identity:
		return data, nil
	case Deflate:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case GZip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case LZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	default:
		return nil, ErrUnknownEncoding
	}
	return io.ReadAll(r)
}
