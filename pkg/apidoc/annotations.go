// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package apidoc

import (
	"fmt"
	"net/url"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
)

const (
	// EnabledAnnotation marks a Service as documented when set to "true".
	EnabledAnnotation = "api-doc.io/enabled"
	// NameAnnotation overrides the descriptor name and display name.
	NameAnnotation = "api-doc.io/name"
	// DescriptionAnnotation sets the optional description.
	DescriptionAnnotation = "api-doc.io/description"
	// PathAnnotation sets the path of the specification document.
	PathAnnotation = "api-doc.io/path"

	// DefaultSpecPath is used when the Service carries no path annotation.
	DefaultSpecPath = "/swagger/openapi.yml"
	// DefaultPort is used when the Service declares no ports.
	DefaultPort = 8080
	// DefaultClusterDomain is the DNS suffix of cluster-local service names.
	DefaultClusterDomain = "cluster.local"
)

// Extractor derives descriptors from Service objects.
type Extractor struct {
	// ClusterDomain is the cluster DNS domain, DefaultClusterDomain when empty.
	ClusterDomain string
}

// Extract returns the descriptor of a documented Service. The second return
// value is false when the Service is not documented, including when its
// annotations are malformed.
func (e Extractor) Extract(svc *corev1.Service) (Descriptor, bool) {
	if svc == nil || svc.Name == "" {
		return Descriptor{}, false
	}
	annotations := svc.GetAnnotations()
	if annotations[EnabledAnnotation] != "true" {
		return Descriptor{}, false
	}

	specPath, ok := normalizeSpecPath(annotations[PathAnnotation])
	if !ok {
		return Descriptor{}, false
	}

	source := types.NamespacedName{Namespace: svc.Namespace, Name: svc.Name}
	d := Descriptor{
		Name:        SourceName(source),
		DisplayName: svc.Name + " API",
		Description: strings.TrimSpace(annotations[DescriptionAnnotation]),
		SpecPath:    specPath,
		BaseAddress: e.baseAddress(svc),
		Source:      source,
	}
	if name := strings.TrimSpace(annotations[NameAnnotation]); name != "" {
		d.Name = name
		d.DisplayName = name
	}
	return d, true
}

// SourceName is the descriptor name used when no name annotation is set.
func SourceName(source types.NamespacedName) string {
	return source.Namespace + "-" + source.Name
}

func (e Extractor) baseAddress(svc *corev1.Service) string {
	domain := e.ClusterDomain
	if domain == "" {
		domain = DefaultClusterDomain
	}
	port := int32(DefaultPort)
	if len(svc.Spec.Ports) > 0 && svc.Spec.Ports[0].Port > 0 {
		port = svc.Spec.Ports[0].Port
	}
	namespace := svc.Namespace
	if namespace == "" {
		namespace = corev1.NamespaceDefault
	}
	return fmt.Sprintf("http://%s.%s.svc.%s:%d", svc.Name, namespace, domain, port)
}

// normalizeSpecPath accepts a plain absolute path with an optional query.
// Anything that would change the target host is rejected.
func normalizeSpecPath(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultSpecPath, true
	}
	if strings.ContainsAny(raw, "\\ \t\r\n") || strings.HasPrefix(raw, "//") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" || u.Fragment != "" {
		return "", false
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return raw, true
}
