// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
)

// NewCommitBackoff returns the jittered backoff used between conflicting writes.
func NewCommitBackoff(attempts int) wait.Backoff {
	if attempts < 1 {
		attempts = 1
	}
	return wait.Backoff{
		Duration: 50 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.5,
		Steps:    attempts,
	}
}

// CommitResult describes the outcome of Commit.
type CommitResult struct {
	// Version is the version of the record holding the desired set.
	Version Version
	// Written is false when the stored record already held the desired set.
	Written bool
	// Attempts is the number of read-compare-write rounds.
	Attempts int
}

// Commit stores the desired set using read-compare-write. The record is only
// written when its content differs from desired or cannot be decoded. Version
// conflicts are retried according to backoff; once the retries are exhausted
// the last ErrConflict is returned.
func Commit(ctx context.Context, store Store, desired apidoc.Set, backoff wait.Backoff) (CommitResult, error) {
	logger := log.FromContext(ctx).WithName("record.Commit")
	var result CommitResult

	err := retry.OnError(backoff, func(err error) bool {
		return errors.Is(err, ErrConflict) && ctx.Err() == nil
	}, func() error {
		result.Attempts++
		current, version, err := store.Read(ctx)
		malformed := errors.Is(err, ErrMalformed)
		if err != nil && !malformed {
			return err
		}
		if malformed {
			logger.Info("replacing malformed discovery record", "version", version, "error", err.Error())
		} else if current.Equals(desired) && version != NoVersion {
			result.Version = version
			result.Written = false
			return nil
		}
		newVersion, err := store.Write(ctx, desired, version)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				logger.V(1).Info("discovery record changed concurrently, retrying", "attempt", result.Attempts, "error", err.Error())
			}
			return err
		}
		result.Version = newVersion
		result.Written = true
		return nil
	})
	return result, err
}
