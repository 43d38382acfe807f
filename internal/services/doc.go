// Package services holds cross-cutting helpers shared by the router, the
// worker runtime, and the external-tool adapters: error classification
// sentinels and context carriers for correlation metadata.
package services
