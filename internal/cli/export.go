package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ksiegai/abgate/internal/store"
)

func newExportCmd(rt *runtime) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <key>",
		Short: "Export raw event data",
		Long: `Export raw event data in CSV or JSON format.

Examples:
  abgate export hero --format csv > hero-events.csv
  abgate export hero --format json > hero-events.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			ctx := cmd.Context()
			return rt.withStore(ctx, func(s store.Backend) error {
				test, err := getTest(ctx, s, args[0])
				if err != nil {
					return err
				}
				events, err := s.GetEvents(ctx, test.ID)
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}

				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), test.Key, events)
				}
				return exportJSON(cmd.OutOrStdout(), test.Key, events)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

func exportCSV(out io.Writer, testKey string, events []*store.Event) error {
	w := csv.NewWriter(out)

	header := []string{"timestamp", "test_key", "assignment_id", "variant_id", "event_type", "event_name",
		"value", "page_path", "time_on_page", "scroll_depth", "metadata"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, e := range events {
		metadata := ""
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata: %w", err)
			}
			metadata = string(b)
		}
		row := []string{
			strconv.FormatInt(e.CreatedAt.Unix(), 10),
			testKey,
			e.AssignmentID,
			e.VariantID,
			string(e.Type),
			e.Name,
			formatOptionalFloat(e.Value),
			e.PagePath,
			formatOptionalInt(e.TimeOnPage),
			formatOptionalInt(e.ScrollDepth),
			metadata,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	TestKey string      `json:"test_key"`
	Events  []jsonEvent `json:"events"`
}

type jsonEvent struct {
	Timestamp    int64          `json:"timestamp"`
	AssignmentID string         `json:"assignment_id"`
	VariantID    string         `json:"variant_id"`
	EventType    string         `json:"event_type"`
	EventName    string         `json:"event_name,omitempty"`
	Value        *float64       `json:"value,omitempty"`
	PagePath     string         `json:"page_path,omitempty"`
	TimeOnPage   *int           `json:"time_on_page,omitempty"`
	ScrollDepth  *int           `json:"scroll_depth,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func exportJSON(out io.Writer, testKey string, events []*store.Event) error {
	export := jsonExport{
		TestKey: testKey,
		Events:  make([]jsonEvent, len(events)),
	}

	for i, e := range events {
		export.Events[i] = jsonEvent{
			Timestamp:    e.CreatedAt.Unix(),
			AssignmentID: e.AssignmentID,
			VariantID:    e.VariantID,
			EventType:    string(e.Type),
			EventName:    e.Name,
			Value:        e.Value,
			PagePath:     e.PagePath,
			TimeOnPage:   e.TimeOnPage,
			ScrollDepth:  e.ScrollDepth,
			Metadata:     e.Metadata,
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatOptionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
