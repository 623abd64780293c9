// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package speccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	bodySuffix = ".json"
	metaSuffix = ".meta.json"
	tempMarker = ".tmp-"

	maxBaseLength = 128
	readAttempts  = 3
	readRetryWait = 10 * time.Millisecond
)

// FileStore keeps every entry as two files in one directory: X.json holds
// the body and X.meta.json the metadata. Both are staged in synced temp files
// and then renamed, the body first.
type FileStore struct {
	dir string
}

var _ Store = &FileStore{}

// NewFileStore creates dir if needed and removes temp files left behind by an
// interrupted write.
func NewFileStore(ctx context.Context, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create cache directory %s: %w", dir, err)
	}
	s := &FileStore{dir: dir}
	if err := s.removeStaleTemps(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the cache directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) removeStaleTemps(ctx context.Context) error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("unable to read cache directory %s: %w", s.dir, err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasPrefix(f.Name(), ".") || !strings.Contains(f.Name(), tempMarker) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("unable to remove stale temp file %s: %w", f.Name(), err)
		}
		log.FromContext(ctx).V(1).Info("removed stale temp file", "file", f.Name())
	}
	return nil
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, name string, entry Entry) error {
	if name == "" {
		return errors.New("spec cache entry needs a name")
	}
	entry.Name = name
	entry.ContentHash = Hash(entry.Body)
	meta, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("unable to encode metadata of %s: %w", name, err)
	}

	base := fileBase(name)
	bodyTmp, err := s.stage(base+bodySuffix, entry.Body)
	if err != nil {
		return fmt.Errorf("unable to write body of %s: %w", name, err)
	}
	defer func() { _ = os.Remove(bodyTmp) }()
	metaTmp, err := s.stage(base+metaSuffix, meta)
	if err != nil {
		return fmt.Errorf("unable to write metadata of %s: %w", name, err)
	}
	defer func() { _ = os.Remove(metaTmp) }()

	// Last cancellation point, the renames below always run as a pair.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(bodyTmp, filepath.Join(s.dir, base+bodySuffix)); err != nil {
		return fmt.Errorf("unable to replace body of %s: %w", name, err)
	}
	if err := os.Rename(metaTmp, filepath.Join(s.dir, base+metaSuffix)); err != nil {
		return fmt.Errorf("unable to replace metadata of %s: %w", name, err)
	}
	return nil
}

// stage writes data to a synced temp file next to file and returns its path.
func (s *FileStore) stage(file string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.dir, "."+file+tempMarker+"*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// Get implements Store. A body that does not match the metadata hash is
// re-read a few times before ErrTornEntry is returned.
func (s *FileStore) Get(ctx context.Context, name string) (Entry, error) {
	base := fileBase(name)
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Entry{}, ctx.Err()
			case <-time.After(readRetryWait):
			}
		}

		entry, err := s.readMeta(base + metaSuffix)
		if err != nil {
			return Entry{}, err
		}
		if entry.Name != name {
			return Entry{}, ErrNotFound
		}

		body, err := os.ReadFile(filepath.Join(s.dir, base+bodySuffix))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			lastErr = fmt.Errorf("%w: %s has no body", ErrTornEntry, name)
			continue
		case err != nil:
			return Entry{}, fmt.Errorf("unable to read body of %s: %w", name, err)
		}
		if Hash(body) != entry.ContentHash {
			lastErr = fmt.Errorf("%w: body of %s does not match its metadata", ErrTornEntry, name)
			continue
		}
		entry.Body = body
		return entry, nil
	}
	return Entry{}, lastErr
}

func (s *FileStore) readMeta(file string) (Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, file))
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("unable to read %s: %w", file, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("unable to decode %s: %w", file, err)
	}
	return entry, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("unable to read cache directory %s: %w", s.dir, err)
	}
	names := []string{}
	for _, f := range files {
		if f.IsDir() || strings.HasPrefix(f.Name(), ".") || !strings.HasSuffix(f.Name(), metaSuffix) {
			continue
		}
		entry, err := s.readMeta(f.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			log.FromContext(ctx).Error(err, "skipping unreadable cache entry", "file", f.Name())
			continue
		}
		names = append(names, entry.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Remove implements Store. The metadata goes first so readers see a missing
// entry rather than a torn one.
func (s *FileStore) Remove(_ context.Context, name string) error {
	base := fileBase(name)
	for _, file := range []string{base + metaSuffix, base + bodySuffix} {
		if err := os.Remove(filepath.Join(s.dir, file)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("unable to remove %s: %w", file, err)
		}
	}
	return nil
}

// fileBase maps an API name to a file name base. Characters outside
// [A-Za-z0-9_-] become '_' and a short hash of the name is appended whenever
// the name had to be altered, so distinct names never share files.
func fileBase(name string) string {
	var b strings.Builder
	altered := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			altered = true
		}
	}
	base := b.String()
	if len(base) > maxBaseLength {
		base = base[:maxBaseLength]
		altered = true
	}
	if altered || base == "" {
		base += "-" + Hash([]byte(name))[:8]
	}
	return base
}
