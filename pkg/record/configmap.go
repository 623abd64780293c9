// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
	"github.com/telekom/openapi-discovery-operator/pkg/helpers"
)

// FieldOwner is the field manager used for record writes.
const FieldOwner = "openapi-discovery-operator"

// ConfigMapStore keeps the record in a ConfigMap and uses its resourceVersion
// as the version token.
type ConfigMapStore struct {
	client client.Client
	key    types.NamespacedName
	clock  clock.PassiveClock
}

// NewConfigMapStore returns a store for the ConfigMap identified by key.
func NewConfigMapStore(c client.Client, key types.NamespacedName) *ConfigMapStore {
	return &ConfigMapStore{client: c, key: key, clock: clock.RealClock{}}
}

// WithClock replaces the clock used for the lastUpdated timestamp.
func (s *ConfigMapStore) WithClock(c clock.PassiveClock) *ConfigMapStore {
	s.clock = c
	return s
}

// Key returns the namespaced name of the backing ConfigMap.
func (s *ConfigMapStore) Key() types.NamespacedName {
	return s.key
}

// Read implements Reader. A document that cannot be decoded is returned as an
// empty set together with the real version and ErrMalformed so that the next
// write can replace it.
func (s *ConfigMapStore) Read(ctx context.Context) (apidoc.Set, Version, error) {
	cm := &corev1.ConfigMap{}
	if err := s.client.Get(ctx, s.key, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return apidoc.Set{}, NoVersion, nil
		}
		return nil, NoVersion, fmt.Errorf("unable to get discovery ConfigMap %s: %w", s.key, err)
	}

	version := Version(cm.ResourceVersion)
	set, err := apidoc.DecodeRecord([]byte(cm.Data[apidoc.RecordKey]))
	if err != nil {
		return apidoc.Set{}, version, fmt.Errorf("%w in ConfigMap %s: %w", ErrMalformed, s.key, err)
	}
	return set, version, nil
}

// Write implements Store. A record without version is created; otherwise the
// update carries the expected resourceVersion as precondition.
func (s *ConfigMapStore) Write(ctx context.Context, set apidoc.Set, expected Version) (Version, error) {
	data, err := apidoc.EncodeRecord(set, s.now())
	if err != nil {
		return NoVersion, err
	}

	if expected == NoVersion {
		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      s.key.Name,
				Namespace: s.key.Namespace,
				Labels:    helpers.BuildRecordLabels(nil),
			},
			Data: map[string]string{apidoc.RecordKey: string(data)},
		}
		if err := s.client.Create(ctx, cm, client.FieldOwner(FieldOwner)); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return NoVersion, fmt.Errorf("%w: %s was created concurrently", ErrConflict, s.key)
			}
			return NoVersion, fmt.Errorf("unable to create discovery ConfigMap %s: %w", s.key, err)
		}
		return Version(cm.ResourceVersion), nil
	}

	cm := &corev1.ConfigMap{}
	if err := s.client.Get(ctx, s.key, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return NoVersion, fmt.Errorf("%w: %s was deleted", ErrConflict, s.key)
		}
		return NoVersion, fmt.Errorf("unable to get discovery ConfigMap %s: %w", s.key, err)
	}
	if Version(cm.ResourceVersion) != expected {
		return NoVersion, fmt.Errorf("%w: %s is at version %s, expected %s", ErrConflict, s.key, cm.ResourceVersion, expected)
	}

	cm.Labels = helpers.BuildRecordLabels(cm.Labels)
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	cm.Data[apidoc.RecordKey] = string(data)
	// The server rejects the update if the object changed after the Get above.
	cm.ResourceVersion = string(expected)

	if err := s.client.Update(ctx, cm, client.FieldOwner(FieldOwner)); err != nil {
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			return NoVersion, fmt.Errorf("%w: %s", ErrConflict, err.Error())
		}
		return NoVersion, fmt.Errorf("unable to update discovery ConfigMap %s: %w", s.key, err)
	}
	return Version(cm.ResourceVersion), nil
}

func (s *ConfigMapStore) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}
