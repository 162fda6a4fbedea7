package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"capsule/internal/api"
	"capsule/internal/capture"
	"capsule/internal/record"
	"capsule/internal/store"
)

const cliActor = "cli"

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a record with its lanes and payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st *store.Store) error {
				rec, err := loadRecord(cmd, st, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, api.FromRecord(rec))
				}
				printRecord(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a record's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st *store.Store) error {
				rec, err := loadRecord(cmd, st, args[0])
				if err != nil {
					return err
				}
				events, err := st.Events(cmd.Context(), rec.ID)
				if err != nil {
					return fmt.Errorf("load events: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, api.EventListResponse{Events: api.FromEvents(events)})
				}
				out := cmd.OutOrStdout()
				if len(events) == 0 {
					fmt.Fprintln(out, "No events recorded")
					return nil
				}
				rows := make([][]string, 0, len(events))
				for _, ev := range events {
					rows = append(rows, []string{
						ev.CreatedAt.Local().Format("2006-01-02 15:04:05"),
						ev.Kind,
						ev.Actor,
						eventDetail(ev),
					})
				}
				fmt.Fprintln(out, renderTable(out, []string{"Time", "Event", "Actor", "Detail"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		states   []string
		channel  string
		archived bool
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ListFilter{
				Channel:         strings.TrimSpace(channel),
				IncludeArchived: archived,
				Limit:           limit,
			}
			for _, value := range states {
				state, ok := record.ParseIngestState(strings.TrimSpace(value))
				if !ok {
					return fmt.Errorf("unknown ingest state %q", value)
				}
				filter.States = append(filter.States, state)
			}
			return ctx.withStore(func(st *store.Store) error {
				recs, err := st.List(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("list records: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, api.RecordListResponse{Records: api.FromRecords(recs)})
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "No records found")
					return nil
				}
				rows := make([][]string, 0, len(recs))
				for _, rec := range recs {
					rows = append(rows, []string{
						rec.ID,
						string(rec.SourceType),
						string(rec.IngestState),
						string(rec.CognitiveStatus),
						truncate(api.Title(rec), 40),
						rec.CreatedAt.Local().Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(out, renderTable(out, []string{"ID", "Source", "State", "Review", "Title", "Created"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by ingest state (repeatable)")
	cmd.Flags().StringVar(&channel, "channel", "", "Filter by source channel")
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived records")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newArchiveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Hide a record from listings and duplicate matching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(st *store.Store) error {
				rec, err := st.Archive(cmd.Context(), strings.TrimSpace(args[0]), cliActor)
				if err != nil {
					return fmt.Errorf("archive: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Archived %s\n", rec.ID)
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-ingest a failed record under its existing id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCaptures(cmd.Context(), func(c *capture.Coordinator) error {
				res, err := c.Retry(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return fmt.Errorf("retry: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %s\n", res.RecordID)
				return nil
			})
		},
	}
}

func newClassifyCommand(ctx *commandContext) *cobra.Command {
	var project, typ, domain string
	cmd := &cobra.Command{
		Use:   "classify <id>",
		Short: "Set classification references as id=label (an empty value clears)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c record.Classification
			var err error
			flags := cmd.Flags()
			if flags.Changed("project") {
				if c.Project, err = parseRef(project); err != nil {
					return err
				}
			}
			if flags.Changed("type") {
				if c.Type, err = parseRef(typ); err != nil {
					return err
				}
			}
			if flags.Changed("domain") {
				if c.Domain, err = parseRef(domain); err != nil {
					return err
				}
			}
			if c.Project == nil && c.Type == nil && c.Domain == nil {
				return errors.New("set at least one of --project, --type or --domain")
			}
			return ctx.withStore(func(st *store.Store) error {
				rec, err := st.UpdateClassification(cmd.Context(), strings.TrimSpace(args[0]), c, cliActor)
				if err != nil {
					return fmt.Errorf("classify: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", rec.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project reference as id=label")
	cmd.Flags().StringVar(&typ, "type", "", "Type reference as id=label")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain reference as id=label")
	return cmd
}

// parseRef turns "id=label" into a reference. An empty value clears it.
func parseRef(value string) (*record.ClassificationRef, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return &record.ClassificationRef{}, nil
	}
	id, label, ok := strings.Cut(value, "=")
	if !ok {
		return nil, fmt.Errorf("classification %q must be id=label", value)
	}
	return &record.ClassificationRef{ID: strings.TrimSpace(id), Label: strings.TrimSpace(label)}, nil
}

func loadRecord(cmd *cobra.Command, st *store.Store, id string) (*record.Record, error) {
	id = strings.TrimSpace(id)
	rec, err := st.Get(cmd.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s not found", id)
	}
	return rec, nil
}

func printRecord(out io.Writer, rec *record.Record) {
	line := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(out, "%-12s %s\n", label+":", value)
	}
	line("ID", rec.ID)
	line("Title", api.Title(rec))
	line("Source", fmt.Sprintf("%s via %s", rec.SourceType, rec.SourceChannel))
	line("Path", rec.SourcePath)
	line("Ingest", string(rec.IngestState))
	line("Pipeline", string(rec.PipelineStatus))
	line("Review", string(rec.CognitiveStatus))
	if rec.StageAttempt > 0 {
		line("Attempt", strconv.Itoa(rec.StageAttempt))
	}
	if rec.ErrorCode != "" {
		line("Error", fmt.Sprintf("%s: %s", rec.ErrorCode, rec.ErrorMessage))
	}
	line("Project", refLabel(rec.ProjectID, rec.ProjectLabel))
	line("Type", refLabel(rec.TypeID, rec.TypeLabel))
	line("Domain", refLabel(rec.DomainID, rec.DomainLabel))
	line("Archived", yesNo(rec.Archived))
	line("Created", rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	line("Updated", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	if sem := rec.Payload.Semantic; sem != nil {
		fmt.Fprintln(out)
		line("Summary", sem.Summary)
		if len(sem.Tags) > 0 {
			line("Tags", strings.Join(sem.Tags, ", "))
		}
		line("Hints", strings.Trim(sem.TypeLabel+" / "+sem.DomainLabel, " /"))
		line("Confidence", fmt.Sprintf("summary %.2f, classification %.2f", sem.Confidence.Summary, sem.Confidence.Classification))
	}
	if norm := rec.Payload.Normalization; norm != nil {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Normalized text (%d chars, %d segments):\n", norm.OutputChars, len(norm.Segments))
		fmt.Fprintln(out, truncate(norm.Text, 600))
	}
}

func refLabel(id, label string) string {
	if id == "" && label == "" {
		return ""
	}
	if id == "" {
		return label
	}
	return fmt.Sprintf("%s (%s)", label, id)
}

func eventDetail(ev record.Event) string {
	var parts []string
	if status, ok := ev.Data[record.DataPipelineStatus].(string); ok && status != "" {
		parts = append(parts, status)
	}
	if code, ok := ev.Data[record.DataErrorCode].(string); ok && code != "" {
		parts = append(parts, "code="+code)
	}
	keys := make([]string, 0, len(ev.Data))
	for key := range ev.Data {
		switch key {
		case record.DataPipelineStatus, record.DataErrorCode, record.DataCorrelationID, record.DataIngestState, record.DataErrorMessage:
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, ev.Data[key]))
	}
	return truncate(strings.Join(parts, " "), 60)
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if limit <= 0 || len(runes) <= limit {
		return value
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
