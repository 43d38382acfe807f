// Package processors provides the step implementations workers run: a set
// of lightweight built-in processors for local runs and tests, and a
// processor that shells out to an external tool per step type.
package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"speechflow/internal/jobstore"
	"speechflow/internal/language"
	"speechflow/internal/worker"
)

// resultDocument is the JSON stored in the results container for built-in
// processors.
type resultDocument struct {
	JobID              string  `json:"job_id"`
	StepType           string  `json:"step_type"`
	Text               string  `json:"text,omitempty"`
	Language           string  `json:"language,omitempty"`
	LanguageConfidence float64 `json:"language_confidence,omitempty"`
	TargetLanguage     string  `json:"target_language,omitempty"`
	WordCount          int     `json:"word_count,omitempty"`
}

func encodeDocument(doc resultDocument) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode result document: %w", err)
	}
	return data, nil
}

func firstInput(req worker.Request) ([]byte, error) {
	if len(req.Inputs) == 0 {
		return nil, errors.New("step requires at least one input")
	}
	return req.Inputs[0].Data, nil
}

// markerWords holds a few high-frequency function words per language. Enough
// for deterministic local runs; production deployments configure an external
// detection tool instead.
var markerWords = map[string][]string{
	"en": {"the", "and", "is", "of", "to", "that", "it"},
	"es": {"el", "la", "que", "de", "los", "una", "para"},
	"fr": {"le", "les", "est", "une", "que", "des", "dans"},
	"de": {"der", "die", "und", "ist", "das", "nicht", "ein"},
	"pt": {"o", "os", "uma", "que", "para", "com", "não"},
}

// DetectLanguage guesses the dominant language of a text input from marker
// word frequency.
type DetectLanguage struct{}

func (DetectLanguage) StepType() jobstore.StepType { return jobstore.StepDetectLanguage }

func (DetectLanguage) Process(_ context.Context, req worker.Request) (*worker.Result, error) {
	input, err := firstInput(req)
	if err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(string(input)))
	if len(words) == 0 {
		return nil, errors.New("input is empty")
	}

	counts := make(map[string]int)
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'()")
		for lang, markers := range markerWords {
			for _, marker := range markers {
				if word == marker {
					counts[lang]++
				}
			}
		}
	}

	best, bestCount := "en", 0
	for lang, count := range counts {
		if count > bestCount {
			best, bestCount = lang, count
		}
	}
	confidence := float64(bestCount) / float64(len(words))
	if confidence > 1 {
		confidence = 1
	}
	if bestCount == 0 {
		confidence = 0.1
	}

	doc, err := encodeDocument(resultDocument{
		JobID:              req.JobID,
		StepType:           string(req.StepType),
		Language:           best,
		LanguageConfidence: confidence,
	})
	if err != nil {
		return nil, err
	}
	return &worker.Result{
		Document:           doc,
		Language:           best,
		LanguageConfidence: confidence,
	}, nil
}

// Transcribe turns the raw input into a transcript document. The built-in
// variant expects text input and passes it through.
type Transcribe struct{}

func (Transcribe) StepType() jobstore.StepType { return jobstore.StepTranscribe }

func (Transcribe) Process(_ context.Context, req worker.Request) (*worker.Result, error) {
	input, err := firstInput(req)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(input))
	if text == "" {
		return nil, errors.New("nothing to transcribe")
	}
	wordCount := len(strings.Fields(text))
	doc, err := encodeDocument(resultDocument{
		JobID:     req.JobID,
		StepType:  string(req.StepType),
		Text:      text,
		Language:  language.Normalize(req.SourceLanguage),
		WordCount: wordCount,
	})
	if err != nil {
		return nil, err
	}
	return &worker.Result{Document: doc, WordCount: wordCount}, nil
}

// Translate rewrites a transcript for the target language. The built-in
// variant annotates the text rather than translating it.
type Translate struct{}

func (Translate) StepType() jobstore.StepType { return jobstore.StepTranslate }

func (Translate) Process(_ context.Context, req worker.Request) (*worker.Result, error) {
	input, err := firstInput(req)
	if err != nil {
		return nil, err
	}
	target := language.Normalize(req.TargetLanguage)
	if target == "" {
		return nil, errors.New("translate requires a target language")
	}
	text := transcriptText(input)
	if text == "" {
		return nil, errors.New("translate input has no text")
	}
	translated := fmt.Sprintf("[%s] %s", target, text)
	wordCount := len(strings.Fields(translated))
	doc, err := encodeDocument(resultDocument{
		JobID:          req.JobID,
		StepType:       string(req.StepType),
		Text:           translated,
		TargetLanguage: target,
		WordCount:      wordCount,
	})
	if err != nil {
		return nil, err
	}
	return &worker.Result{Document: doc, Language: target, WordCount: wordCount}, nil
}

// Summarize produces a short abstract of a transcript. The built-in variant
// keeps the leading sentences.
type Summarize struct {
	// MaxSentences bounds the summary length. Zero means three.
	MaxSentences int
}

func (Summarize) StepType() jobstore.StepType { return jobstore.StepSummarize }

func (p Summarize) Process(_ context.Context, req worker.Request) (*worker.Result, error) {
	input, err := firstInput(req)
	if err != nil {
		return nil, err
	}
	text := transcriptText(input)
	if text == "" {
		return nil, errors.New("summarize input has no text")
	}
	limit := p.MaxSentences
	if limit <= 0 {
		limit = 3
	}
	summary := leadingSentences(text, limit)
	wordCount := len(strings.Fields(summary))
	doc, err := encodeDocument(resultDocument{
		JobID:     req.JobID,
		StepType:  string(req.StepType),
		Text:      summary,
		WordCount: wordCount,
	})
	if err != nil {
		return nil, err
	}
	return &worker.Result{Document: doc, WordCount: wordCount}, nil
}

// transcriptText extracts the text field when the input is a result document
// from an earlier step, falling back to the raw bytes.
func transcriptText(input []byte) string {
	var doc resultDocument
	if err := json.Unmarshal(input, &doc); err == nil && strings.TrimSpace(doc.Text) != "" {
		return strings.TrimSpace(doc.Text)
	}
	return strings.TrimSpace(string(input))
}

func leadingSentences(text string, limit int) string {
	var (
		sentences []string
		current   strings.Builder
	)
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(current.String())
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			current.Reset()
			if len(sentences) >= limit {
				break
			}
		}
	}
	if len(sentences) < limit {
		if tail := strings.TrimSpace(current.String()); tail != "" {
			sentences = append(sentences, tail)
		}
	}
	return strings.Join(sentences, " ")
}

// ForStep returns the built-in processor for a step type.
func ForStep(stepType jobstore.StepType) (worker.Processor, error) {
	switch stepType {
	case jobstore.StepDetectLanguage:
		return DetectLanguage{}, nil
	case jobstore.StepTranscribe:
		return Transcribe{}, nil
	case jobstore.StepTranslate:
		return Translate{}, nil
	case jobstore.StepSummarize:
		return Summarize{}, nil
	default:
		return nil, fmt.Errorf("no built-in processor for step type %s", stepType)
	}
}
