// Package language provides unified language code normalization.
//
// All language-related conversions (tag parsing, display names, equality for
// the translate-skip rule) are consolidated here to avoid duplication across
// the workflow registry, router, and detect processor.
package language
