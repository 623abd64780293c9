// Package metrics defines and registers Prometheus metrics for the
// openapi-discovery-operator, covering watch processing, discovery record
// commits, specification refresh cycles and cache contents.
package metrics
