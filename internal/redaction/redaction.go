// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package redaction redacts sensitive header values so that they can be logged.
package redaction

import (
	"fmt"
	"hash/crc32"
	"strings"
)

// sensitiveHeaders are the lower-cased header names whose values are never logged.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"api-key":             {},
}

// ComputeContentHash returns the CRC32 of s as 8 hex characters.
// It is only meant to correlate identical values across log lines.
func ComputeContentHash(s string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(s)))
}

// RedactString replaces s with a placeholder holding its length and hash.
//
// Format: [REDACTED LENGTH=n HASH=xxxxxxxx]
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("[REDACTED LENGTH=%d HASH=%s]", len(s), ComputeContentHash(s))
}

// IsSensitiveHeader reports whether the value of the header must be redacted.
func IsSensitiveHeader(name string) bool {
	_, ok := sensitiveHeaders[strings.ToLower(name)]
	return ok
}

// HeaderValue returns value, redacted when the header is sensitive.
func HeaderValue(name, value string) string {
	if IsSensitiveHeader(name) {
		return RedactString(value)
	}
	return value
}
