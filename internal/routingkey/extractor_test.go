// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package routingkey

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractor_Extract_strict(t *testing.T) {
	x := NewExtractor("method")
	for _, tc := range []struct {
		name   string
		body   string
		exp    string
		expErr error
	}{
		{name: "match", body: `{"method": "echo2", "data": "test"}`, exp: "echo2"},
		{name: "leading whitespace", body: "\n  {\"method\":\"echo1\"}", exp: "echo1"},
		{name: "escaped value", body: `{"method": "a\"b"}`, exp: `a"b`},
		{name: "unicode value", body: `{"method": "écho"}`, exp: "écho"},
		{name: "empty", body: "", expErr: ErrEmptyBody},
		{name: "whitespace only", body: " \r\n\t", expErr: ErrEmptyBody},
		{name: "no field name at all", body: `{"data": "test"}`, expErr: ErrFieldMissing},
		{name: "nested field only", body: `{"params": {"method": "echo2"}}`, expErr: ErrFieldMissing},
		{name: "not json", body: `{"method" = "echo2"}`, expErr: ErrInvalidDocument},
		{name: "form encoded", body: `method=echo2`, expErr: ErrFieldMissing},
		{name: "unterminated", body: `{"method": "echo2"`, expErr: ErrInvalidDocument},
		{name: "invalid utf8", body: "{\"method\": \"\xff\"}", expErr: ErrInvalidDocument},
		{name: "array", body: `["method"]`, expErr: ErrNotObject},
		{name: "string", body: `"method"`, expErr: ErrNotObject},
		{name: "number", body: `{"method": 2}`, expErr: ErrFieldNotString},
		{name: "null", body: `{"method": null}`, expErr: ErrFieldNotString},
		{name: "object", body: `{"method": {"name": "echo2"}}`, expErr: ErrFieldNotString},
		{name: "duplicate key last wins", body: `{"method": "echo1x", "method": "echo2"}`, exp: "echo2"},
		{name: "duplicate key last is not a string", body: `{"method": "echo2", "method": 1}`, expErr: ErrFieldNotString},
		{name: "duplicate key nested one ignored", body: `{"method": "echo2", "params": {"method": "echo1"}}`, exp: "echo2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			key, err := x.Extract([]byte(tc.body), Strict)
			if tc.expErr != nil {
				require.ErrorIs(t, err, tc.expErr)
				require.Empty(t, key)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.exp, key)
		})
	}
}

// errAny matches any extraction error.
var errAny = errors.New("any")

func TestExtractor_Extract_partial(t *testing.T) {
	x := NewExtractor("method")
	for _, tc := range []struct {
		name   string
		body   string
		exp    string
		expErr error
	}{
		{name: "complete value in prefix", body: `{"method": "echo2", "data": "te`, exp: "echo2"},
		{name: "complete document", body: `{"method": "echo2"}`, exp: "echo2"},
		{name: "value cut", body: `{"method": "ech`, expErr: ErrIncompleteValue},
		{name: "value cut after escape", body: `{"method": "a\"`, expErr: ErrIncompleteValue},
		{name: "value missing", body: `{"method": `, expErr: errAny},
		{name: "key cut", body: `{"meth`, expErr: ErrFieldMissing},
		{name: "not an object", body: `["method", `, expErr: ErrNotObject},
		{name: "number", body: `{"method": 12, "x`, expErr: ErrFieldNotString},
		{name: "empty", body: ``, expErr: ErrEmptyBody},
		{name: "duplicate key last wins", body: `{"method": "echo1x", "method": "echo2", "data": "te`, exp: "echo2"},
		{name: "duplicate key cut", body: `{"method": "echo2", "method": "ec`, expErr: ErrIncompleteValue},
		{name: "duplicate key value missing", body: `{"method": "echo2", "method":`, expErr: ErrIncompleteValue},
		{name: "nested key in cut object", body: `{"method": "echo2", "params": {"method": "ec`, exp: "echo2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			key, err := x.Extract([]byte(tc.body), Partial)
			if tc.expErr == errAny {
				require.Error(t, err)
				require.Empty(t, key)
				return
			}
			if tc.expErr != nil {
				require.ErrorIs(t, err, tc.expErr)
				require.Empty(t, key)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.exp, key)
		})
	}
}

func TestExtractor_Extract_everyPrefixIsSafe(t *testing.T) {
	x := NewExtractor("method")
	body := []byte("{\"method\": \"\xe2\x82\xacho\\\"2\", \"data\": [1, {\"k\": \"v\"}]}")
	for i := 0; i <= len(body); i++ {
		for _, mode := range []Mode{Strict, Partial} {
			require.NotPanics(t, func() {
				key, err := x.Extract(body[:i], mode)
				if err == nil {
					require.Equal(t, "€ho\"2", key)
				}
			})
		}
	}
}

func TestExtractor_nestedPath(t *testing.T) {
	x := NewExtractor("params.name")
	require.Nil(t, x.needle)
	require.Equal(t, "params.name", x.Path())

	key, err := x.Extract([]byte(`{"params": {"name": "echo2"}}`), Strict)
	require.NoError(t, err)
	require.Equal(t, "echo2", key)

	_, err = x.Extract([]byte(`{"params": {"name": "ec`), Partial)
	require.Error(t, err)
}

func TestClosedString(t *testing.T) {
	for _, tc := range []struct {
		raw string
		exp bool
	}{
		{raw: `"abc"`, exp: true},
		{raw: `""`, exp: true},
		{raw: `"a\\"`, exp: true},
		{raw: `"a\"`, exp: false},
		{raw: `"\"`, exp: false},
		{raw: `"abc`, exp: false},
		{raw: `"`, exp: false},
		{raw: ``, exp: false},
	} {
		t.Run(tc.raw, func(t *testing.T) {
			require.Equal(t, tc.exp, closedString(tc.raw))
		})
	}
}

func TestReason(t *testing.T) {
	require.Equal(t, "empty_body", Reason(ErrEmptyBody))
	require.Equal(t, "invalid_document", Reason(ErrInvalidDocument))
	require.Equal(t, "not_object", Reason(ErrNotObject))
	require.Equal(t, "field_missing", Reason(ErrFieldMissing))
	require.Equal(t, "field_not_string", Reason(ErrFieldNotString))
	require.Equal(t, "incomplete_value", Reason(ErrIncompleteValue))
	require.Equal(t, "unknown", Reason(errors.New("boom")))
}
