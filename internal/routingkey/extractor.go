// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package routingkey extracts a single string field from a JSON request body.
package routingkey

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Mode selects how much of the document the extractor expects to see.
type Mode int

const (
	// Strict requires the buffer to be a complete, valid JSON object.
	Strict Mode = iota
	// Partial accepts a prefix of a JSON object, e.g. a truncated body.
	// The field is only returned when its value is complete within the prefix.
	Partial
)

// Errors returned by [Extractor.Extract]. All of them mean "no routing key".
var (
	ErrEmptyBody       = errors.New("empty body")
	ErrInvalidDocument = errors.New("body is not valid JSON")
	ErrNotObject       = errors.New("body is not a JSON object")
	ErrFieldMissing    = errors.New("routing field is missing")
	ErrFieldNotString  = errors.New("routing field is not a string")
	ErrIncompleteValue = errors.New("routing field value is incomplete")
)

// Extractor extracts the value of one field, addressed by a gjson path.
// It is immutable and safe for concurrent use.
type Extractor struct {
	path string
	// needle is the quoted field name used to reject bodies without parsing.
	// It is nil when the path is not a plain top-level field name.
	needle []byte
}

// NewExtractor returns an Extractor for the given gjson path, e.g. "method" or "params.name".
func NewExtractor(path string) *Extractor {
	x := &Extractor{path: path}
	if path != "" && !strings.ContainsAny(path, `.*?|#@\!=<>%`) {
		x.needle = []byte(`"` + path + `"`)
	}
	return x
}

// Path returns the gjson path of the field.
func (x *Extractor) Path() string { return x.path }

// Extract returns the string value of the field in body. When a top-level
// field appears more than once the last occurrence wins. Nested paths follow
// gjson and resolve to the first match.
//
// It never panics on malformed input, invalid encoding or truncated documents.
// A non-nil error tells why no key could be extracted.
func (x *Extractor) Extract(body []byte, mode Mode) (string, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return "", ErrEmptyBody
	}
	if x.needle != nil && !bytes.Contains(body, x.needle) {
		return "", ErrFieldMissing
	}

	if mode == Strict {
		if !utf8.Valid(body) || !gjson.ValidBytes(body) {
			return "", ErrInvalidDocument
		}
	}
	if trimmed[0] != '{' {
		return "", ErrNotObject
	}

	var r gjson.Result
	if x.needle != nil {
		var cut bool
		r, cut = x.lastMember(trimmed)
		if cut && mode == Partial {
			return "", ErrIncompleteValue
		}
	} else {
		r = gjson.GetBytes(body, x.path)
	}
	if !r.Exists() {
		if mode == Partial && x.needle != nil {
			// The key is in the prefix but gjson could not reach its value.
			return "", ErrIncompleteValue
		}
		return "", ErrFieldMissing
	}
	if r.Type != gjson.String {
		return "", ErrFieldNotString
	}
	if mode == Partial {
		if !closedString(r.Raw) {
			return "", ErrIncompleteValue
		}
		if !utf8.ValidString(r.Str) {
			return "", ErrInvalidDocument
		}
	}
	return r.Str, nil
}

// lastMember returns the value of the last top-level member named x.path, so
// duplicate keys resolve like a decoder filling a map. cut reports that the
// member following the last complete one is named x.path, meaning a later
// duplicate may have been cut off.
func (x *Extractor) lastMember(obj []byte) (r gjson.Result, cut bool) {
	end := 1
	gjson.ParseBytes(obj).ForEach(func(k, v gjson.Result) bool {
		if k.Str == x.path {
			r = v
		}
		end = v.Index + len(v.Raw)
		return true
	})
	if end > len(obj) {
		return r, false
	}
	return r, bytes.HasPrefix(bytes.TrimLeft(obj[end:], " \t\r\n,"), x.needle)
}

// closedString reports whether raw is a JSON string literal whose closing quote is present.
func closedString(raw string) bool {
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return false
	}
	backslashes := 0
	for i := len(raw) - 2; i >= 1 && raw[i] == '\\'; i-- {
		backslashes++
	}
	return backslashes%2 == 0
}

// Reason returns a short label for an error returned by [Extractor.Extract].
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyBody):
		return "empty_body"
	case errors.Is(err, ErrInvalidDocument):
		return "invalid_document"
	case errors.Is(err, ErrNotObject):
		return "not_object"
	case errors.Is(err, ErrFieldMissing):
		return "field_missing"
	case errors.Is(err, ErrFieldNotString):
		return "field_not_string"
	case errors.Is(err, ErrIncompleteValue):
		return "incomplete_value"
	default:
		return "unknown"
	}
}
