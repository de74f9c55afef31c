// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package headermutator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSetter struct {
	headers    map[string][]string
	sets       int
	clears     int
	refuseSets bool
}

func (r *recordingSetter) SetRequestHeader(key string, value []byte) bool {
	r.sets++
	if r.refuseSets {
		return false
	}
	if r.headers == nil {
		r.headers = map[string][]string{}
	}
	r.headers[key] = []string{string(value)}
	return true
}

func (r *recordingSetter) ClearRouteCache() { r.clears++ }

func TestMatchMode_Valid(t *testing.T) {
	require.True(t, MatchExact.Valid())
	require.True(t, MatchContains.Valid())
	require.False(t, MatchMode("regex").Valid())
	require.False(t, MatchMode("").Valid())
}

func TestTable_Lookup(t *testing.T) {
	routes := map[string]string{"echo2": "cluster_echo2", "echo": "cluster_echo", "x": "cluster_x"}

	t.Run("exact", func(t *testing.T) {
		tbl := NewTable(routes, MatchExact)
		require.Equal(t, 3, tbl.Len())
		v, ok := tbl.Lookup("echo2")
		require.True(t, ok)
		require.Equal(t, "cluster_echo2", v)
		_, ok = tbl.Lookup("call-echo2")
		require.False(t, ok)
	})
	t.Run("contains prefers the longest key", func(t *testing.T) {
		tbl := NewTable(routes, MatchContains)
		require.Equal(t, []string{"echo2", "echo", "x"}, tbl.ordered)
		v, ok := tbl.Lookup("call-echo2-now")
		require.True(t, ok)
		require.Equal(t, "cluster_echo2", v)
		v, ok = tbl.Lookup("echo1")
		require.True(t, ok)
		require.Equal(t, "cluster_echo", v)
		_, ok = tbl.Lookup("nothing")
		require.False(t, ok)
	})
	t.Run("copies the map", func(t *testing.T) {
		m := map[string]string{"a": "b"}
		tbl := NewTable(m, MatchExact)
		m["a"] = "c"
		v, _ := tbl.Lookup("a")
		require.Equal(t, "b", v)
	})
}

func TestPolicy_Decide(t *testing.T) {
	p := &Policy{
		HeaderName:   "x-route-to",
		DefaultValue: "cluster_echo1",
		Table:        NewTable(map[string]string{"echo2": "cluster_echo2"}, MatchExact),
	}
	for _, tc := range []struct {
		name  string
		key   string
		found bool
		exp   Decision
	}{
		{
			name: "mapped", key: "echo2", found: true,
			exp: Decision{Name: "x-route-to", Value: "cluster_echo2", Key: "echo2", Matched: true},
		},
		{
			name: "unknown key", key: "anything", found: true,
			exp: Decision{Name: "x-route-to", Value: "cluster_echo1", Key: "anything"},
		},
		{
			name: "no key",
			exp:  Decision{Name: "x-route-to", Value: "cluster_echo1"},
		},
		{
			name: "empty key", key: "", found: true,
			exp: Decision{Name: "x-route-to", Value: "cluster_echo1"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, p.Decide(tc.key, tc.found))
		})
	}

	t.Run("nil table", func(t *testing.T) {
		p := &Policy{HeaderName: "h", DefaultValue: "d"}
		require.Equal(t, Decision{Name: "h", Value: "d", Key: "k"}, p.Decide("k", true))
	})
}

func TestPolicies(t *testing.T) {
	p1 := &Policy{HeaderName: "a"}
	p2 := &Policy{HeaderName: "b"}
	ps := NewPolicies(p1)
	snapshot := ps.Load()
	ps.Store(p2)
	require.Same(t, p1, snapshot)
	require.Same(t, p2, ps.Load())
}

func TestApplier_Apply(t *testing.T) {
	t.Run("at most once", func(t *testing.T) {
		var a Applier
		h := &recordingSetter{}
		first := Decision{Name: "x-route-to", Value: "cluster_echo2", Matched: true}
		applied, err := a.Apply(h, first)
		require.NoError(t, err)
		require.True(t, applied)

		applied, err = a.Apply(h, Decision{Name: "x-route-to", Value: "cluster_echo1"})
		require.NoError(t, err)
		require.False(t, applied)

		require.Equal(t, 1, h.sets)
		require.Equal(t, 1, h.clears)
		require.Equal(t, []string{"cluster_echo2"}, h.headers["x-route-to"])
		d, ok := a.Decision()
		require.True(t, ok)
		require.Equal(t, first, d)
	})
	t.Run("refused", func(t *testing.T) {
		var a Applier
		h := &recordingSetter{refuseSets: true}
		applied, err := a.Apply(h, Decision{Name: "x-route-to", Value: "v"})
		require.ErrorIs(t, err, ErrSetHeader)
		require.False(t, applied)
		require.False(t, a.Applied())
		require.Zero(t, h.clears)

		h.refuseSets = false
		applied, err = a.Apply(h, Decision{Name: "x-route-to", Value: "v"})
		require.NoError(t, err)
		require.True(t, applied)
	})
}
