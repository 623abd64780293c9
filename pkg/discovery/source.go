// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Source lists Services and streams changes starting at a list's resource version.
type Source interface {
	// List returns the current Services and the resource version of the list.
	List(ctx context.Context) ([]corev1.Service, string, error)
	// Watch streams changes after resourceVersion until the watch is stopped
	// or its result channel closes.
	Watch(ctx context.Context, resourceVersion string) (watch.Interface, error)
}

// ServiceSource lists and watches Services of one namespace, or of the whole
// cluster when the namespace is empty.
type ServiceSource struct {
	client    client.WithWatch
	namespace string
}

// NewServiceSource returns a Source for the given namespace.
func NewServiceSource(c client.WithWatch, namespace string) *ServiceSource {
	return &ServiceSource{client: c, namespace: namespace}
}

// SourcesForScope returns one Source per watched namespace.
func SourcesForScope(c client.WithWatch, scope Scope) []Source {
	if scope.Mode == ScopeCluster {
		return []Source{NewServiceSource(c, metav1.NamespaceAll)}
	}
	sources := make([]Source, 0, len(scope.Namespaces))
	for _, ns := range scope.Namespaces {
		sources = append(sources, NewServiceSource(c, ns))
	}
	return sources
}

// List implements Source.
func (s *ServiceSource) List(ctx context.Context) ([]corev1.Service, string, error) {
	list := &corev1.ServiceList{}
	if err := s.client.List(ctx, list, client.InNamespace(s.namespace)); err != nil {
		return nil, "", fmt.Errorf("unable to list services in %s: %w", s, err)
	}
	return list.Items, list.ResourceVersion, nil
}

// Watch implements Source.
func (s *ServiceSource) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	w, err := s.client.Watch(ctx, &corev1.ServiceList{}, &client.ListOptions{
		Namespace: s.namespace,
		Raw: &metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to watch services in %s: %w", s, err)
	}
	return w, nil
}

func (s *ServiceSource) String() string {
	if s.namespace == metav1.NamespaceAll {
		return "all namespaces"
	}
	return "namespace " + s.namespace
}
