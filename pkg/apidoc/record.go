// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package apidoc

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordKey is the ConfigMap data key holding the discovery document.
const RecordKey = "discovery.json"

// Record is the persisted form of a Set.
type Record struct {
	APIs        []Descriptor `json:"apis"`
	LastUpdated time.Time    `json:"lastUpdated,omitzero"`
}

// EncodeRecord renders the set as a discovery document with descriptors ordered by name.
func EncodeRecord(s Set, now time.Time) ([]byte, error) {
	rec := Record{APIs: s.Sorted(), LastUpdated: now.UTC().Truncate(time.Second)}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding discovery record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a discovery document. Empty input decodes to an empty set.
// Descriptors without a name are dropped and duplicates keep the last entry.
func DecodeRecord(data []byte) (Set, error) {
	if len(data) == 0 {
		return Set{}, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding discovery record: %w", err)
	}
	s := make(Set, len(rec.APIs))
	for _, d := range rec.APIs {
		if d.Name == "" {
			continue
		}
		s[d.Name] = d
	}
	return s, nil
}
