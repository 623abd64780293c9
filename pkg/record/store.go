// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package record stores the discovery record, the single shared document
// that lists every documented API in scope.
package record

import (
	"context"
	"errors"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
)

// Version is the opaque version token of a stored record.
type Version string

// NoVersion is the version of a record that does not exist yet.
const NoVersion Version = ""

var (
	// ErrConflict is returned by Write when the stored version no longer
	// matches the expected version.
	ErrConflict = errors.New("discovery record version conflict")
	// ErrMalformed is returned by Read, together with an empty set and the
	// real version, when the stored document cannot be decoded.
	ErrMalformed = errors.New("malformed discovery record")
)

// Reader reads the discovery record.
type Reader interface {
	// Read returns the current set and its version. A missing record is
	// returned as an empty set with NoVersion.
	Read(ctx context.Context) (apidoc.Set, Version, error)
}

// Store reads and conditionally writes the discovery record.
type Store interface {
	Reader
	// Write replaces the record if its version still equals expected and
	// returns the new version. ErrConflict is returned otherwise.
	Write(ctx context.Context, set apidoc.Set, expected Version) (Version, error)
}
