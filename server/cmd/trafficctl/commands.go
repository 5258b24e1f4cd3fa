package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/api"
	"github.com/trafficiq/trafficiq/server/internal/history"
)

// options are the global flags shared by every command.
type options struct {
	server    string
	apiKeyEnv string
	header    string
	timeout   time.Duration
	json      bool
}

func (o *options) client() *client {
	return newClient(o.server, o.header, os.Getenv(o.apiKeyEnv), o.timeout)
}

// signalStatus mirrors GET /api/v1/signal.
type signalStatus struct {
	State        string                  `json:"state"`
	BaseDuration int                     `json:"base_duration"`
	Unit         string                  `json:"unit"`
	WaitTicks    map[types.Direction]int `json:"wait_ticks"`
	GreenSignal  types.Direction         `json:"green_signal"`
	Hints        []api.LaneHint          `json:"hints"`
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "trafficctl",
		Short:         "Inspect and drive a trafficiq server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	pf.StringVar(&opts.apiKeyEnv, "api-key-env", "TRAFFIQ_API_KEY", "environment variable holding the API key")
	pf.StringVar(&opts.header, "api-key-header", "x-api-key", "header the API key is sent in")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	pf.BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newStatusCmd(opts),
		newReportCmd(opts),
		newResetCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lane counts, the green lane and scheduler state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := opts.client()
			var snap types.Snapshot
			if err := c.get(cmd.Context(), "/api/v1/traffic", nil, &snap); err != nil {
				return err
			}
			var sig signalStatus
			if err := c.get(cmd.Context(), "/api/v1/signal", nil, &sig); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, map[string]interface{}{"traffic": snap, "signal": sig})
			}
			printStatus(out, snap, sig)
			return nil
		},
	}
}

func printStatus(out io.Writer, snap types.Snapshot, sig signalStatus) {
	fmt.Fprintf(out, "controller: %s  base: %d x %s\n\n", sig.State, sig.BaseDuration, sig.Unit)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tVEHICLES\tWAIT\tSIGNAL\tIMAGE")
	for _, d := range types.Directions() {
		lane := snap.Lane(d)
		signal := "red"
		if d == snap.GreenSignal {
			signal = "GREEN"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", d, lane.VehicleCount, sig.WaitTicks[d], signal, lane.ImageReference)
	}
	tw.Flush() //nolint:errcheck

	if snap.LastUpdated.IsZero() {
		fmt.Fprintln(out, "\nlast updated: never")
	} else {
		fmt.Fprintf(out, "\nlast updated: %s\n", snap.LastUpdated.Format(time.RFC3339))
	}
	for _, h := range sig.Hints {
		if h.Level == "warning" || h.Level == "critical" {
			fmt.Fprintf(out, "[%s] %s: %s\n", h.Level, laneLabel(h.Direction), h.Title)
		}
	}
}

func laneLabel(d types.Direction) string {
	if d == types.NoDirection {
		return "intersection"
	}
	return d.String()
}

func newReportCmd(opts *options) *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "report <direction> <count>",
		Short: "Submit a vehicle count for one lane",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := types.ParseDirection(args[0])
			if err != nil {
				return err
			}
			count, err := strconv.Atoi(args[1])
			if err != nil || count < 0 {
				return fmt.Errorf("count must be a non-negative integer, got %q", args[1])
			}

			body := map[string]interface{}{"vehicle_count": count, "image_reference": image}
			var snap types.Snapshot
			if err := opts.client().post(cmd.Context(), "/api/v1/lanes/"+d.String(), body, &snap); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d vehicles\n", d, snap.Lane(d).VehicleCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "image reference for the detection")
	return cmd
}

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear every lane count and the green signal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snap types.Snapshot
			if err := opts.client().post(cmd.Context(), "/api/v1/reset", nil, &snap); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "traffic data cleared")
			return nil
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		direction string
		page      int
		perPage   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded observations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if direction != "" {
				d, err := types.ParseDirection(direction)
				if err != nil {
					return err
				}
				q.Set("direction", d.String())
			}
			if page > 0 {
				q.Set("page", strconv.Itoa(page))
			}
			if perPage > 0 {
				q.Set("per_page", strconv.Itoa(perPage))
			}

			var p history.Page
			if err := opts.client().get(cmd.Context(), "/api/v1/history", q, &p); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, p)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tDIRECTION\tVEHICLES\tIMAGES")
			for _, o := range p.Records {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
					o.Timestamp.Format(time.RFC3339), o.Direction, o.VehicleCount, strings.Join(o.ImageRefs, ","))
			}
			tw.Flush() //nolint:errcheck
			fmt.Fprintf(out, "\npage %d/%d (%d records)\n", p.Page, max(p.Pages, 1), p.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "only show one lane")
	cmd.Flags().IntVar(&page, "page", 0, "page number, starting at 1")
	cmd.Flags().IntVar(&perPage, "per-page", 0, "records per page (server default 20, max 100)")
	return cmd
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
