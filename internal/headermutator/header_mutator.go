// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package headermutator turns a routing key into the routing header and writes it at most once.
package headermutator

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
)

// MatchMode is how a routing key is compared with the keys of the routing map.
type MatchMode string

const (
	// MatchExact requires the routing key to equal a routing map key.
	MatchExact MatchMode = "exact"
	// MatchContains requires the routing key to contain a routing map key.
	// Longer map keys are tried first, ties are broken lexicographically.
	MatchContains MatchMode = "contains"
)

// Valid reports whether m is a known match mode.
func (m MatchMode) Valid() bool {
	return m == MatchExact || m == MatchContains
}

// Table is an immutable routing map.
type Table struct {
	routes map[string]string
	mode   MatchMode
	// ordered holds the keys in the order used by MatchContains.
	ordered []string
}

// NewTable returns a Table over a copy of routes.
func NewTable(routes map[string]string, mode MatchMode) *Table {
	t := &Table{routes: make(map[string]string, len(routes)), mode: mode}
	for k, v := range routes {
		t.routes[k] = v
		t.ordered = append(t.ordered, k)
	}
	slices.SortFunc(t.ordered, func(a, b string) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return t
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }

// Lookup returns the header value routed to by key.
func (t *Table) Lookup(key string) (string, bool) {
	if t.mode == MatchContains {
		for _, k := range t.ordered {
			if strings.Contains(key, k) {
				return t.routes[k], true
			}
		}
		return "", false
	}
	v, ok := t.routes[key]
	return v, ok
}

// Decision is the routing header chosen for an exchange.
type Decision struct {
	// Name is the header name.
	Name string
	// Value is the header value.
	Value string
	// Key is the routing key the decision was made from, empty when there was none.
	Key string
	// Matched is true when Value comes from the routing map rather than the default.
	Matched bool
}

// Policy decides the routing header. It is immutable.
type Policy struct {
	HeaderName   string
	DefaultValue string
	Table        *Table
}

// Decide returns the mapped value when found is true and key matches a route,
// otherwise the default value.
func (p *Policy) Decide(key string, found bool) Decision {
	d := Decision{Name: p.HeaderName, Value: p.DefaultValue}
	if !found {
		return d
	}
	d.Key = key
	if p.Table == nil {
		return d
	}
	if v, ok := p.Table.Lookup(key); ok {
		d.Value, d.Matched = v, true
	}
	return d
}

// Policies publishes the current Policy to exchanges being created.
// Each exchange loads the pointer once and keeps that snapshot.
type Policies struct {
	p atomic.Pointer[Policy]
}

// NewPolicies returns Policies holding p.
func NewPolicies(p *Policy) *Policies {
	ps := &Policies{}
	ps.p.Store(p)
	return ps
}

// Load returns the current Policy.
func (ps *Policies) Load() *Policy { return ps.p.Load() }

// Store replaces the current Policy.
func (ps *Policies) Store(p *Policy) { ps.p.Store(p) }

// HeaderSetter is the part of the host that receives the routing header.
type HeaderSetter interface {
	// SetRequestHeader replaces the request header. Returns false if the host refused it.
	SetRequestHeader(key string, value []byte) bool
	// ClearRouteCache makes the host recompute the route with the new header.
	ClearRouteCache()
}

// ErrSetHeader is returned by [Applier.Apply] when the host refuses the header.
var ErrSetHeader = errors.New("host refused to set the routing header")

// Applier applies at most one Decision per exchange.
// The zero value is ready to use.
type Applier struct {
	applied  bool
	decision Decision
}

// Apply sets the decision header and clears the route cache unless a decision
// was already applied, in which case it does nothing and returns false.
func (a *Applier) Apply(h HeaderSetter, d Decision) (bool, error) {
	if a.applied {
		return false, nil
	}
	if !h.SetRequestHeader(d.Name, []byte(d.Value)) {
		return false, fmt.Errorf("%w: %s", ErrSetHeader, d.Name)
	}
	h.ClearRouteCache()
	a.applied, a.decision = true, d
	return true, nil
}

// Applied reports whether a decision was applied.
func (a *Applier) Applied() bool { return a.applied }

// Decision returns the applied decision.
func (a *Applier) Decision() (Decision, bool) { return a.decision, a.applied }
