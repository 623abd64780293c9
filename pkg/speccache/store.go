// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package speccache stores the last fetched OpenAPI document of every
// discovered API so that the serving layer never has to reach a backend.
// Entries are written by a single refresh engine and read concurrently by
// the HTTP handlers.
package speccache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a name.
	ErrNotFound = errors.New("spec cache entry not found")
	// ErrTornEntry is returned when the body of an entry does not match its
	// metadata even after retrying.
	ErrTornEntry = errors.New("spec cache entry is inconsistent")
)

// Status tells whether the cached body is current.
type Status string

const (
	// StatusAvailable marks an entry refreshed successfully in the last cycle.
	StatusAvailable Status = "Available"
	// StatusUnavailable marks an entry whose last fetch failed. The body, if
	// any, is the last good one or the rejected document.
	StatusUnavailable Status = "Unavailable"
	// StatusUnknown is reported for entries that exist but cannot be read.
	StatusUnknown Status = "Unknown"
)

// Entry is one cached document and the outcome of its last fetch.
type Entry struct {
	Name        string    `json:"name"`
	Body        []byte    `json:"-"`
	Status      Status    `json:"status"`
	LastError   string    `json:"lastError,omitempty"`
	FetchedAt   time.Time `json:"fetchedAt"`
	ContentHash string    `json:"contentHash"`
}

// Available reports whether the entry was refreshed successfully.
func (e Entry) Available() bool {
	return e.Status == StatusAvailable
}

// Store persists entries by API name.
type Store interface {
	// Put replaces the entry for name. The content hash is computed by the store.
	Put(ctx context.Context, name string, entry Entry) error
	// Get returns the entry for name or ErrNotFound.
	Get(ctx context.Context, name string) (Entry, error)
	// List returns the names of all entries in ascending order.
	List(ctx context.Context) ([]string, error)
	// Remove deletes the entry for name. Removing a missing entry is not an error.
	Remove(ctx context.Context, name string) error
}

// Hash returns the hex encoded sha256 of body.
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
