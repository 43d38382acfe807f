// Package jobstore persists jobs and their processing steps in SQLite and is
// the single source of truth for workflow state.
//
// Every mutation is a narrow, conditional, single-row update: status
// transitions are compare-and-set, step creation is a conditional insert
// keyed on the unique (job_id, step_type) pair, and job status is always
// re-derived from step state rather than trusted from a cached field. This is
// what makes router and worker replicas safe without in-process locks.
package jobstore
