// Package helpers provides the standard labels of the resources the operator
// manages and the lookup of the namespace the process runs in.
package helpers
