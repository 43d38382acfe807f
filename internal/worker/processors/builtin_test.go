package processors

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"speechflow/internal/jobstore"
	"speechflow/internal/worker"
)

func textRequest(stepType jobstore.StepType, text string) worker.Request {
	return worker.Request{
		JobID:    "job-1",
		StepType: stepType,
		Inputs:   []worker.Input{{Ref: "raw-audio/in.txt", Data: []byte(text)}},
	}
}

func TestDetectLanguageEnglish(t *testing.T) {
	req := textRequest(jobstore.StepDetectLanguage, "the cat sat on the mat and it is warm")
	result, err := DetectLanguage{}.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Language != "en" {
		t.Fatalf("expected en, got %s", result.Language)
	}
	if result.LanguageConfidence <= 0 {
		t.Fatalf("expected positive confidence, got %f", result.LanguageConfidence)
	}
}

func TestDetectLanguageSpanish(t *testing.T) {
	req := textRequest(jobstore.StepDetectLanguage, "el perro corre por la calle y los gatos duermen")
	result, err := DetectLanguage{}.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Language != "es" {
		t.Fatalf("expected es, got %s", result.Language)
	}
}

func TestDetectLanguageRejectsEmptyInput(t *testing.T) {
	req := textRequest(jobstore.StepDetectLanguage, "   ")
	if _, err := (DetectLanguage{}).Process(context.Background(), req); err == nil {
		t.Fatal("expected empty input to fail")
	}
}

func TestTranscribeCountsWords(t *testing.T) {
	req := textRequest(jobstore.StepTranscribe, "one two three four")
	req.SourceLanguage = "en-US"
	result, err := Transcribe{}.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.WordCount != 4 {
		t.Fatalf("expected 4 words, got %d", result.WordCount)
	}
	var doc map[string]any
	if err := json.Unmarshal(result.Document, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc["language"] != "en" {
		t.Fatalf("expected normalized language en, got %v", doc["language"])
	}
}

func TestTranslateReadsTranscriptDocuments(t *testing.T) {
	transcript, _ := json.Marshal(map[string]any{"text": "hello world", "step_type": "transcribe"})
	req := worker.Request{
		JobID:          "job-1",
		StepType:       jobstore.StepTranslate,
		TargetLanguage: "es",
		Inputs:         []worker.Input{{Ref: "results/job-1_transcribe.json", Data: transcript}},
	}
	result, err := Translate{}.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(result.Document, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	text, _ := doc["text"].(string)
	if !strings.HasPrefix(text, "[es] hello world") {
		t.Fatalf("unexpected translated text %q", text)
	}
}

func TestTranslateRequiresTarget(t *testing.T) {
	req := textRequest(jobstore.StepTranslate, "hello")
	if _, err := (Translate{}).Process(context.Background(), req); err == nil {
		t.Fatal("expected missing target language to fail")
	}
}

func TestSummarizeKeepsLeadingSentences(t *testing.T) {
	req := textRequest(jobstore.StepSummarize, "First. Second! Third? Fourth. Fifth.")
	result, err := Summarize{MaxSentences: 2}.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(result.Document, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc["text"] != "First. Second!" {
		t.Fatalf("unexpected summary %q", doc["text"])
	}
}

func TestForStepCoversAllStepTypes(t *testing.T) {
	for _, stepType := range []jobstore.StepType{
		jobstore.StepDetectLanguage,
		jobstore.StepTranscribe,
		jobstore.StepTranslate,
		jobstore.StepSummarize,
	} {
		proc, err := ForStep(stepType)
		if err != nil {
			t.Fatalf("ForStep(%s): %v", stepType, err)
		}
		if proc.StepType() != stepType {
			t.Fatalf("processor for %s reports %s", stepType, proc.StepType())
		}
	}
	if _, err := ForStep(jobstore.StepType("encode_video")); err == nil {
		t.Fatal("expected unknown step type to fail")
	}
}
