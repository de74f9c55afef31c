// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package redaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactString(t *testing.T) {
	require.Empty(t, RedactString(""))
	redacted := RedactString("Bearer secret")
	require.Equal(t, "[REDACTED LENGTH=13 HASH="+ComputeContentHash("Bearer secret")+"]", redacted)
	require.NotContains(t, redacted, "secret")
	require.Equal(t, redacted, RedactString("Bearer secret"))
	require.Len(t, ComputeContentHash("anything"), 8)
}

func TestHeaderValue(t *testing.T) {
	for _, tc := range []struct {
		name, value string
		redacted    bool
	}{
		{name: "authorization", value: "Bearer x", redacted: true},
		{name: "Cookie", value: "a=b", redacted: true},
		{name: "x-api-key", value: "k", redacted: true},
		{name: "content-type", value: "application/json"},
		{name: "x-request-id", value: "abc"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.redacted, IsSensitiveHeader(tc.name))
			got := HeaderValue(tc.name, tc.value)
			if tc.redacted {
				require.Equal(t, RedactString(tc.value), got)
			} else {
				require.Equal(t, tc.value, got)
			}
		})
	}
}
