// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// ErrInvalidScope is returned for namespace scopes that cannot be watched.
var ErrInvalidScope = errors.New("invalid namespace scope")

// AllNamespaces selects the whole cluster.
const AllNamespaces = "all"

// ScopeMode is the kind of namespace scope.
type ScopeMode int

const (
	// ScopeNamespace watches a single namespace.
	ScopeNamespace ScopeMode = iota
	// ScopeNamespaces watches an explicit list of namespaces.
	ScopeNamespaces
	// ScopeCluster watches every namespace.
	ScopeCluster
)

// Scope is the set of namespaces the reconciler observes. It is fixed for the
// lifetime of the process.
type Scope struct {
	Mode       ScopeMode
	Namespaces []string
}

// ParseScope parses a WATCH_NAMESPACES style value. An empty value selects
// the current namespace and "all", in any letter case, the whole cluster.
// Anything else is read as a comma separated list of namespace names.
func ParseScope(value, current string) (Scope, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		if errs := validation.IsDNS1123Label(current); len(errs) > 0 {
			return Scope{}, fmt.Errorf("%w: current namespace %q: %s", ErrInvalidScope, current, strings.Join(errs, "; "))
		}
		return Scope{Mode: ScopeNamespace, Namespaces: []string{current}}, nil
	case strings.EqualFold(value, AllNamespaces):
		return Scope{Mode: ScopeCluster}, nil
	}

	var namespaces []string
	seen := map[string]bool{}
	for _, part := range strings.Split(value, ",") {
		ns := strings.TrimSpace(part)
		if ns == "" {
			continue
		}
		if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
			return Scope{}, fmt.Errorf("%w: namespace %q: %s", ErrInvalidScope, ns, strings.Join(errs, "; "))
		}
		if seen[ns] {
			continue
		}
		seen[ns] = true
		namespaces = append(namespaces, ns)
	}

	switch len(namespaces) {
	case 0:
		return Scope{}, fmt.Errorf("%w: %q names no namespace", ErrInvalidScope, value)
	case 1:
		return Scope{Mode: ScopeNamespace, Namespaces: namespaces}, nil
	default:
		return Scope{Mode: ScopeNamespaces, Namespaces: namespaces}, nil
	}
}

// String renders the scope the way ParseScope accepts it.
func (s Scope) String() string {
	if s.Mode == ScopeCluster {
		return AllNamespaces
	}
	return strings.Join(s.Namespaces, ",")
}
