// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package stagelog

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"

	"github.com/envoyproxy/body-router/internal/redaction"
)

// Preview renders at most limit bytes of b as a single-line quoted string.
// A cut body gets a trailing "..." and the cut never splits a rune.
// Bodies that are not valid UTF-8 are summarized by their size.
func Preview(b []byte, limit int) string {
	if len(b) == 0 {
		return `""`
	}
	cut, truncated := b, false
	if limit >= 0 && len(b) > limit {
		cut, truncated = b[:limit], true
		cut = trimPartialRune(cut)
	}
	if !utf8.Valid(cut) {
		return fmt.Sprintf("<non-utf8 %d bytes>", len(b))
	}
	s := strconv.Quote(string(cut))
	if truncated {
		s += "..."
	}
	return s
}

// trimPartialRune drops an incomplete multi-byte sequence at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}

// HeaderPreview renders headers as "name: value" pairs sorted by name,
// with sensitive values redacted, bounded like [Preview].
func HeaderPreview(headers map[string][]string, limit int) string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		for _, v := range headers[name] {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(redaction.HeaderValue(name, v))
		}
	}
	return Preview([]byte(b.String()), limit)
}

// ErrUnsupportedEncoding is returned by [DecodePreview] for unknown content encodings.
var ErrUnsupportedEncoding = errors.New("unsupported content-encoding")

// DecodePreview decompresses up to limit+1 bytes of a gzip or br encoded body prefix.
// A prefix that ends mid-stream yields whatever could be decoded.
func DecodePreview(encoding string, b []byte, limit int) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return b, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("failed to read gzip header: %w", err)
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(b))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("failed to decode %s body: %w", encoding, err)
	}
	return out, nil
}
