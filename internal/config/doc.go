// Package config loads, validates, and defaults speechflow's TOML
// configuration. All tunable knobs the orchestration core depends on live
// here: retry budget, queue names, storage containers, daemon role selection,
// and logging output.
package config
