// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package apidoc

import (
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"k8s.io/apimachinery/pkg/types"
)

// Descriptor describes one documented API.
type Descriptor struct {
	// Name is the unique key of the descriptor within a Set.
	Name string `json:"name"`
	// DisplayName is the human readable title shown by viewers.
	DisplayName string `json:"displayName"`
	// Description is optional free text.
	Description string `json:"description,omitempty"`
	// SpecPath is the path of the specification document, always starting with "/".
	SpecPath string `json:"specPath"`
	// BaseAddress is the cluster-local base URL of the owning service.
	BaseAddress string `json:"baseAddress"`

	// Source identifies the owning Service. It is never persisted.
	Source types.NamespacedName `json:"-"`
}

// SpecURL returns the address the specification is fetched from.
func (d Descriptor) SpecURL() string {
	return d.BaseAddress + d.SpecPath
}

// Persisted returns d without its source identity, the form it takes in
// the record.
func (d Descriptor) Persisted() Descriptor {
	d.Source = types.NamespacedName{}
	return d
}

// Set maps descriptor names to descriptors.
type Set map[string]Descriptor

// NewSet builds a Set from the given descriptors. Later descriptors replace
// earlier ones with the same name.
func NewSet(descriptors ...Descriptor) Set {
	s := make(Set, len(descriptors))
	for _, d := range descriptors {
		s[d.Name] = d
	}
	return s
}

// Names returns the descriptor names in ascending order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sorted returns the descriptors ordered by name.
func (s Set) Sorted() []Descriptor {
	out := make([]Descriptor, 0, len(s))
	for _, name := range s.Names() {
		out = append(out, s[name])
	}
	return out
}

// Equals reports whether both sets hold the same persisted content.
// Source identities are ignored since they are not part of the record.
func (s Set) Equals(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	return cmp.Equal(s, other,
		cmpopts.IgnoreFields(Descriptor{}, "Source"),
		cmpopts.EquateEmpty(),
	)
}

// Diff returns a human readable diff between two sets, empty when equal.
func (s Set) Diff(other Set) string {
	return cmp.Diff(s, other, cmpopts.IgnoreFields(Descriptor{}, "Source"), cmpopts.EquateEmpty())
}
