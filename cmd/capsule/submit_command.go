package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"capsule/internal/api"
	"capsule/internal/capture"
	"capsule/internal/idempotency"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Capture a file or a piece of text",
	}
	cmd.AddCommand(newSubmitFileCommand(ctx))
	cmd.AddCommand(newSubmitTextCommand(ctx))
	return cmd
}

func newSubmitFileCommand(ctx *commandContext) *cobra.Command {
	var (
		channel string
		force   bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "file <path>",
		Short: "Capture an audio recording or document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCaptures(cmd.Context(), func(c *capture.Coordinator) error {
				res, err := c.SubmitFile(cmd.Context(), capture.FileRequest{
					Path:    args[0],
					Channel: channel,
					Force:   force,
				})
				if err != nil {
					return fmt.Errorf("submit file: %w", err)
				}
				return printCaptureResult(cmd, res, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Source channel recorded on the capture (default api, or the watch root's channel)")
	cmd.Flags().BoolVar(&force, "force", false, "Re-ingest even when the content was already captured")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newSubmitTextCommand(ctx *commandContext) *cobra.Command {
	var (
		title   string
		channel string
		force   bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "text <text|->",
		Short: "Capture a text note (use - to read stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := args[0]
			if body == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				body = string(data)
			}
			return ctx.withCaptures(cmd.Context(), func(c *capture.Coordinator) error {
				res, err := c.SubmitText(cmd.Context(), capture.TextRequest{
					Text:    body,
					Title:   title,
					Channel: channel,
					Force:   force,
				})
				if err != nil {
					return fmt.Errorf("submit text: %w", err)
				}
				return printCaptureResult(cmd, res, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Title stored with the capture")
	cmd.Flags().StringVar(&channel, "channel", "", "Source channel recorded on the capture (default manual_text)")
	cmd.Flags().BoolVar(&force, "force", false, "Re-ingest even when the same text was already captured")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printCaptureResult(cmd *cobra.Command, res capture.Result, asJSON bool) error {
	if asJSON {
		return writeJSON(cmd, api.FromCaptureResult(res))
	}
	out := cmd.OutOrStdout()
	switch res.Action {
	case idempotency.ActionSkip:
		fmt.Fprintf(out, "Skipped: already captured as %s (%s)\n", res.RecordID, strings.ReplaceAll(res.Reason, "_", " "))
	case idempotency.ActionRetry, idempotency.ActionReingest:
		fmt.Fprintf(out, "Re-ingesting %s\n", res.RecordID)
	default:
		fmt.Fprintf(out, "Captured %s\n", res.RecordID)
	}
	if res.Record != nil {
		fmt.Fprintf(out, "State: %s\n", res.Record.IngestState)
	}
	return nil
}
