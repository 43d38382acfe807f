package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"speechflow/internal/config"
	"speechflow/internal/jobstore"
	"speechflow/internal/services"
	"speechflow/internal/worker"
)

// commandRequest is the JSON written to an external tool's stdin.
type commandRequest struct {
	JobID          string         `json:"job_id"`
	StepType       string         `json:"step_type"`
	SourceLanguage string         `json:"source_language,omitempty"`
	TargetLanguage string         `json:"target_language,omitempty"`
	Inputs         []commandInput `json:"inputs"`
}

type commandInput struct {
	Ref  string `json:"ref"`
	Data []byte `json:"data"`
}

// commandResponse is the JSON expected on the tool's stdout.
type commandResponse struct {
	Document           json.RawMessage `json:"document"`
	Language           string          `json:"language,omitempty"`
	LanguageConfidence float64         `json:"language_confidence,omitempty"`
	WordCount          int             `json:"word_count,omitempty"`
}

// Command runs a configured external tool for one step type. The tool reads
// a JSON request on stdin and writes a JSON response on stdout.
type Command struct {
	stepType jobstore.StepType
	argv     []string
	timeout  time.Duration
}

// NewCommand builds a command processor from the step's configured argv.
func NewCommand(cfg *config.Config, stepType jobstore.StepType) (*Command, error) {
	argv := cfg.CommandForStep(string(stepType))
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command configured for step type %s", stepType)
	}
	timeout := time.Duration(cfg.StepCommands.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Command{stepType: stepType, argv: argv, timeout: timeout}, nil
}

func (c *Command) StepType() jobstore.StepType { return c.stepType }

func (c *Command) Process(ctx context.Context, req worker.Request) (*worker.Result, error) {
	payload := commandRequest{
		JobID:          req.JobID,
		StepType:       string(req.StepType),
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	}
	for _, input := range req.Inputs {
		payload.Inputs = append(payload.Inputs, commandInput{Ref: input.Ref, Data: input.Data})
	}
	stdin, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode tool request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, services.Wrap(services.ErrExternalTool, string(c.stepType), c.argv[0], detail, err)
	}

	var resp commandResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, string(c.stepType), c.argv[0], "tool produced invalid JSON", err)
	}
	return &worker.Result{
		Document:           []byte(resp.Document),
		Language:           resp.Language,
		LanguageConfidence: resp.LanguageConfidence,
		WordCount:          resp.WordCount,
	}, nil
}
