// Package workflow is the static registry mapping workflow identifiers to
// their ordered step lists and prerequisites. Pure data, no I/O: changing a
// workflow is a deployment-time operation, never a runtime one.
package workflow
