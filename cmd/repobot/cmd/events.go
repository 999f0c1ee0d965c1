package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nfrund/repobot/internal/events"
)

var (
	eventsModule string
	eventsFormat string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the registered event types",
	Long: `Lists every event type on the fleet bus with its payload fields.
Scripts subscribe with on("<name>", fn).

Examples:
  # List all event types
  repobot events

  # List the repository events only
  repobot events --module=github

  # Machine-readable output
  repobot events --format=json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		defs := events.Catalogue.List()
		if eventsModule != "" {
			defs = events.Catalogue.ListByModule(eventsModule)
		}

		switch eventsFormat {
		case "json":
			return displayEventsJSON(cmd.OutOrStdout(), defs)
		case "table":
			displayEventsTable(cmd.OutOrStdout(), defs)
			return nil
		default:
			return fmt.Errorf("unknown format %q (use table or json)", eventsFormat)
		}
	},
}

func displayEventsTable(out io.Writer, defs []events.Definition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAME\tMODULE\tPAYLOAD\tDESCRIPTION")
	fmt.Fprintln(w, "----\t------\t-------\t-----------")
	if len(defs) == 0 {
		fmt.Fprintln(w, "No event types found")
		return
	}
	for _, def := range defs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, def.Module, def.TypeName, def.Description)
		if len(def.Fields) > 0 {
			fmt.Fprintf(w, "\t\t  %s\t\n", strings.Join(def.Fields, ", "))
		}
	}
}

func displayEventsJSON(out io.Writer, defs []events.Definition) error {
	output := struct {
		Events []events.Definition `json:"events"`
		Count  int                 `json:"count"`
	}{
		Events: defs,
		Count:  len(defs),
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVar(&eventsModule, "module", "", "Only list event types of this module (e.g. github)")
	eventsCmd.Flags().StringVar(&eventsFormat, "format", "table", "Output format: table or json")
}
