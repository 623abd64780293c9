// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
)

// FileReader reads the record from a file, typically the discovery ConfigMap
// mounted as a volume. The version is derived from the file content.
type FileReader struct {
	Path string
}

// NewFileReader returns a reader for the record file at path.
func NewFileReader(path string) *FileReader {
	return &FileReader{Path: path}
}

// Read implements Reader.
func (f *FileReader) Read(ctx context.Context) (apidoc.Set, Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, NoVersion, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apidoc.Set{}, NoVersion, nil
		}
		return nil, NoVersion, fmt.Errorf("unable to read discovery record %s: %w", f.Path, err)
	}
	set, err := apidoc.DecodeRecord(data)
	if err != nil {
		return nil, NoVersion, fmt.Errorf("%w in %s: %w", ErrMalformed, f.Path, err)
	}
	sum := sha256.Sum256(data)
	return set, Version(hex.EncodeToString(sum[:8])), nil
}
