// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package helpers

import (
	"os"
	"strings"
)

const (
	// ManagedByLabelStandard is the standard Kubernetes recommended label identifying the managing tool.
	ManagedByLabelStandard = "app.kubernetes.io/managed-by"
	// AppNameLabel is the standard Kubernetes label identifying the application.
	AppNameLabel = "app.kubernetes.io/name"
	// ComponentLabel is the standard Kubernetes label identifying the component within the application.
	ComponentLabel = "app.kubernetes.io/component"
	// ManagedByValue is the value for all operator identification labels.
	ManagedByValue = "openapi-discovery-operator"

	// RecordAppName is the application name carried by the discovery record.
	RecordAppName = "openapi-discovery"
	// RecordComponent is the component name carried by the discovery record.
	RecordComponent = "discovery"

	// DefaultNamespace is used when the operator namespace cannot be determined.
	DefaultNamespace = "default"
)

// serviceAccountNamespaceFile is where the kubelet mounts the pod namespace.
var serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// BuildRecordLabels creates the labels of the discovery record ConfigMap.
// It merges the existing labels with the operator identification labels.
func BuildRecordLabels(existing map[string]string) map[string]string {
	labels := make(map[string]string, len(existing)+3)
	for k, v := range existing {
		labels[k] = v
	}
	labels[AppNameLabel] = RecordAppName
	labels[ComponentLabel] = RecordComponent
	labels[ManagedByLabelStandard] = ManagedByValue
	return labels
}

// CurrentNamespace returns the namespace the process runs in.
// POD_NAMESPACE wins over the service account mount, "default" is the fallback.
func CurrentNamespace() string {
	if ns := strings.TrimSpace(os.Getenv("POD_NAMESPACE")); ns != "" {
		return ns
	}
	if data, err := os.ReadFile(serviceAccountNamespaceFile); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}
	return DefaultNamespace
}
