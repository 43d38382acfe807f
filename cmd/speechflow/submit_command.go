package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"speechflow/internal/blobstore"
	"speechflow/internal/jobstore"
	"speechflow/internal/messages"
	"speechflow/internal/workflow"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		sourceLang string
		targetLang string
		callback   string
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow> <file>",
		Short: "Create a job, upload its input, and start the workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			params := jobstore.NewJobParams{
				WorkflowID:       args[0],
				SourceLanguage:   sourceLang,
				TargetLanguage:   targetLang,
				CallbackEndpoint: callback,
			}
			inputPath := args[1]
			data, err := os.ReadFile(inputPath)
			if err != nil {
				return fmt.Errorf("read input %s: %w", inputPath, err)
			}
			// Validate with the reference the upload will produce, so the
			// transcript prerequisite of translate_only and summarize_only
			// sees the input that was just read.
			check := params
			check.InputRef = blobstore.Ref(cfg.Storage.RawContainer, filepath.Base(inputPath))
			if err := workflow.ValidateNewJob(check); err != nil {
				return err
			}

			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			blobs, err := ctx.openBlobs()
			if err != nil {
				return err
			}
			bus, err := ctx.openBus()
			if err != nil {
				return err
			}
			defer bus.Close()

			job, err := store.CreateJob(cmd.Context(), params)
			if err != nil {
				return err
			}

			key := job.ID + "_input" + sanitizeExt(inputPath)
			ref, err := blobs.Put(cfg.Storage.RawContainer, key, data)
			if err != nil {
				return fmt.Errorf("upload input: %w", err)
			}
			if ok, err := store.MarkJobUploaded(cmd.Context(), job.ID, ref); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("job %s is no longer awaiting upload", job.ID)
			}

			body, err := messages.Encode(messages.JobEvent{JobID: job.ID})
			if err != nil {
				return err
			}
			if err := bus.Publish(cmd.Context(), cfg.Queues.JobEvents, body); err != nil {
				return fmt.Errorf("publish initial event: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (workflow %s)\n", job.ID, job.WorkflowID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceLang, "source-lang", "", "Source language tag (required for transcribe_only)")
	cmd.Flags().StringVar(&targetLang, "target-lang", "", "Target language tag for translation")
	cmd.Flags().StringVar(&callback, "callback", "", "URL notified when the job reaches a terminal status")
	return cmd
}

func sanitizeExt(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" || len(ext) > 8 {
		return ""
	}
	return ext
}
