// Package discovery observes Services carrying API documentation annotations
// and maintains the discovery record.
// A single Reconciler lists the Services in scope, streams changes through a
// watch and commits the canonical API set whenever its content changes. A
// broken watch is followed by a full resynchronization.
package discovery
