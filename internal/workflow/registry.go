package workflow

import (
	"fmt"
	"strings"

	"speechflow/internal/jobstore"
	"speechflow/internal/language"
)

// ID names a registered workflow.
type ID string

const (
	FullPipeline   ID = "full_pipeline"
	TranscribeOnly ID = "transcribe_only"
	DetectOnly     ID = "detect_only"
	TranslateOnly  ID = "translate_only"
	SummarizeOnly  ID = "summarize_only"
)

// StepSpec describes one stage of a workflow.
type StepSpec struct {
	Type jobstore.StepType
	// Skip reports that this step should be omitted for the given job. A
	// skipped step gets no record and the workflow advances past it.
	Skip func(job *jobstore.Job) bool
}

// Definition is a workflow's full registry entry.
type Definition struct {
	ID    ID
	Steps []StepSpec
	// validate checks creation-time prerequisites for the workflow.
	validate func(params jobstore.NewJobParams) error
}

// skipTranslateWhenRedundant omits translate when the job's source language
// already matches the target, or when no target was requested.
func skipTranslateWhenRedundant(job *jobstore.Job) bool {
	if job == nil {
		return false
	}
	if strings.TrimSpace(job.TargetLanguage) == "" {
		return true
	}
	return language.Matches(job.SourceLanguage, job.TargetLanguage)
}

var registry = func() map[ID]*Definition {
	defs := []*Definition{
		{
			ID: FullPipeline,
			Steps: []StepSpec{
				{Type: jobstore.StepDetectLanguage},
				{Type: jobstore.StepTranscribe},
				{Type: jobstore.StepTranslate, Skip: skipTranslateWhenRedundant},
				{Type: jobstore.StepSummarize},
			},
		},
		{
			ID:    TranscribeOnly,
			Steps: []StepSpec{{Type: jobstore.StepTranscribe}},
			validate: func(params jobstore.NewJobParams) error {
				if !language.IsValid(params.SourceLanguage) {
					return fmt.Errorf("workflow %s requires a valid source language", TranscribeOnly)
				}
				return nil
			},
		},
		{
			ID:    DetectOnly,
			Steps: []StepSpec{{Type: jobstore.StepDetectLanguage}},
		},
		{
			ID:    TranslateOnly,
			Steps: []StepSpec{{Type: jobstore.StepTranslate}},
			validate: func(params jobstore.NewJobParams) error {
				if strings.TrimSpace(params.InputRef) == "" {
					return fmt.Errorf("workflow %s requires an existing transcript reference", TranslateOnly)
				}
				if !language.IsValid(params.TargetLanguage) {
					return fmt.Errorf("workflow %s requires a valid target language", TranslateOnly)
				}
				return nil
			},
		},
		{
			ID:    SummarizeOnly,
			Steps: []StepSpec{{Type: jobstore.StepSummarize}},
			validate: func(params jobstore.NewJobParams) error {
				if strings.TrimSpace(params.InputRef) == "" {
					return fmt.Errorf("workflow %s requires an existing transcript reference", SummarizeOnly)
				}
				return nil
			},
		},
	}

	m := make(map[ID]*Definition, len(defs))
	for _, def := range defs {
		m[def.ID] = def
	}
	return m
}()

var orderedIDs = []ID{FullPipeline, TranscribeOnly, DetectOnly, TranslateOnly, SummarizeOnly}

// All returns the registered workflow identifiers in declaration order.
func All() []ID {
	cp := make([]ID, len(orderedIDs))
	copy(cp, orderedIDs)
	return cp
}

// Lookup resolves a workflow identifier string.
func Lookup(workflowID string) (*Definition, bool) {
	def, ok := registry[ID(strings.ToLower(strings.TrimSpace(workflowID)))]
	return def, ok
}

// StepsFor returns the ordered step specs for a workflow.
func StepsFor(workflowID string) ([]StepSpec, error) {
	def, ok := Lookup(workflowID)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", workflowID)
	}
	cp := make([]StepSpec, len(def.Steps))
	copy(cp, def.Steps)
	return cp, nil
}

// ValidateNewJob checks the creation-time prerequisites for a workflow, e.g.
// transcribe_only requiring a source language.
func ValidateNewJob(params jobstore.NewJobParams) error {
	def, ok := Lookup(params.WorkflowID)
	if !ok {
		return fmt.Errorf("unknown workflow %q", params.WorkflowID)
	}
	if params.TargetLanguage != "" && !language.IsValid(params.TargetLanguage) {
		return fmt.Errorf("target language %q is not a recognized language tag", params.TargetLanguage)
	}
	if params.SourceLanguage != "" && !language.IsValid(params.SourceLanguage) {
		return fmt.Errorf("source language %q is not a recognized language tag", params.SourceLanguage)
	}
	if def.validate != nil {
		return def.validate(params)
	}
	return nil
}

// DeriveJobStatus recomputes a job's status from its step records and the
// workflow's step list. It is consulted before every terminal transition so
// the stored job status can never drift from the real step states.
func DeriveJobStatus(job *jobstore.Job, steps map[jobstore.StepType]*jobstore.Step) jobstore.JobStatus {
	if job == nil {
		return ""
	}
	if job.Status == jobstore.JobCancelled {
		return jobstore.JobCancelled
	}
	specs, err := StepsFor(job.WorkflowID)
	if err != nil {
		return job.Status
	}

	allDone := true
	for _, spec := range specs {
		if spec.Skip != nil && spec.Skip(job) {
			continue
		}
		rec := steps[spec.Type]
		if rec == nil {
			allDone = false
			continue
		}
		switch rec.Status {
		case jobstore.StepFailed:
			return jobstore.JobFailed
		case jobstore.StepCompleted:
		default:
			allDone = false
		}
	}
	if allDone {
		return jobstore.JobCompleted
	}
	if len(steps) == 0 {
		return job.Status
	}
	return jobstore.JobProcessing
}
