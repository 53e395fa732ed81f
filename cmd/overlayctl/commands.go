package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/blockregistry"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/marketdata"
	"github.com/stackmotive/overlay/simulation"
	"github.com/stackmotive/overlay/validation"
)

// errInvalidCanvas is returned after the report has been printed
var errInvalidCanvas = stderrors.New("canvas is not valid")

type toolkit struct {
	registry  *block.Registry
	validator *validation.Validator
	logger    *slog.Logger
}

func newToolkit(verbose bool, w io.Writer) *toolkit {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	registry := blockregistry.NewRegistry()
	return &toolkit{registry: registry, validator: validation.NewValidator(registry, logger), logger: logger}
}

// load decodes and imports a document file
func (tk *toolkit) load(ctx context.Context, path string) (*canvas.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := canvas.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return canvas.Import(ctx, doc, tk.registry, tk.validator, canvas.WithLogger(tk.logger))
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "overlayctl",
		Short: "Inspect, validate and simulate overlay documents",
		Long: `overlayctl works on canvas documents (JSON or YAML) locally, using the
same block registry, validation and simulation engine as the server.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	tk := func(cmd *cobra.Command) *toolkit { return newToolkit(verbose, cmd.ErrOrStderr()) }
	root.AddCommand(newBlocksCmd(tk), newValidateCmd(tk), newSimulateCmd(tk), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "overlayctl %s\n", Version)
		},
	}
}

func newBlocksCmd(tk func(*cobra.Command) *toolkit) *cobra.Command {
	var (
		categories []string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List the available block types",
		Example: `  overlayctl blocks
  overlayctl blocks --category data_source,filter
  overlayctl blocks --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cats := make([]block.Category, 0, len(categories))
			for _, c := range categories {
				cats = append(cats, block.Category(c))
			}
			defs := tk(cmd).registry.List(cats...)

			out := cmd.OutOrStdout()
			if format == "json" {
				return writeJSON(out, defs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tCATEGORY\tINPUTS\tOUTPUTS\tDESCRIPTION")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Type, d.Category, inputs(d), outputs(d), d.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "Only list these categories")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")
	return cmd
}

func newValidateCmd(tk func(*cobra.Command) *toolkit) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a canvas document",
		Long: `Imports the document block by block, then prints the validation report.
The command fails when the document cannot be imported or the canvas has
errors. Warnings do not fail it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			m, err := tk(cmd).load(cmd.Context(), args[0])
			if err != nil {
				printError(out, err)
				return err
			}
			report := m.Validate(cmd.Context())
			if format == "json" {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}
			if !report.IsValid {
				return errInvalidCanvas
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	return cmd
}

func newSimulateCmd(tk func(*cobra.Command) *toolkit) *cobra.Command {
	var (
		start, end string
		interval   time.Duration
		prices     string
		assets     []string
		format     string
		timeout    time.Duration
		metrics    bool
	)
	cmd := &cobra.Command{
		Use:   "simulate <file>",
		Short: "Run a historical simulation of a canvas document",
		Example: `  overlayctl simulate overlay.yaml --start 2024-01-01T00:00:00Z --end 2024-01-08T00:00:00Z
  overlayctl simulate overlay.yaml --prices prices.csv --interval 15m --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := tk(cmd)
			tr, err := parseRange(start, end, interval)
			if err != nil {
				return err
			}

			var source marketdata.Source
			if prices != "" {
				series, err := marketdata.LoadCSVFile(prices)
				if err != nil {
					return err
				}
				source = series
			}

			m, err := t.load(cmd.Context(), args[0])
			if err != nil {
				printError(cmd.OutOrStdout(), err)
				return err
			}

			engine, err := simulation.NewEngine(t.registry, t.validator, source, simulation.DefaultConfig(),
				simulation.WithLogger(t.logger))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := engine.Run(ctx, m.Snapshot(), simulation.Request{
				TimeRange: tr,
				Assets:    assets,
				Options:   simulation.Options{Mode: simulation.ModeHistorical, IncludeMetrics: metrics},
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else {
				printResult(out, res)
			}
			if res.Status != simulation.StatusCompleted {
				return fmt.Errorf("simulation %s: %s", res.Status, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "Start time, RFC3339 (default: end minus one week)")
	cmd.Flags().StringVar(&end, "end", "", "End time, RFC3339 (default: start of the current hour)")
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "Step interval")
	cmd.Flags().StringVar(&prices, "prices", "", "CSV file of timestamp,symbol,price rows (default: synthetic prices)")
	cmd.Flags().StringSliceVar(&assets, "assets", nil, "Restrict the portfolio to these assets")
	cmd.Flags().StringVar(&format, "format", "summary", "Output format: summary or json")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Abort the run after this long")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "Collect per-block timings")
	return cmd
}

func parseRange(start, end string, interval time.Duration) (simulation.TimeRange, error) {
	tr := simulation.TimeRange{Interval: interval}
	var err error
	if end == "" {
		tr.End = time.Now().UTC().Truncate(time.Hour)
	} else if tr.End, err = time.Parse(time.RFC3339, end); err != nil {
		return tr, fmt.Errorf("--end: %w", err)
	}
	if start == "" {
		tr.Start = tr.End.Add(-7 * 24 * time.Hour)
	} else if tr.Start, err = time.Parse(time.RFC3339, start); err != nil {
		return tr, fmt.Errorf("--start: %w", err)
	}
	return tr, nil
}

func inputs(d *block.Definition) string {
	ids := make([]string, 0, len(d.Inputs))
	for _, p := range d.Inputs {
		ids = append(ids, fmt.Sprintf("%s:%s", p.ID, p.DataType))
	}
	return strings.Join(ids, ",")
}

func outputs(d *block.Definition) string {
	ids := make([]string, 0, len(d.Outputs))
	for _, p := range d.Outputs {
		ids = append(ids, fmt.Sprintf("%s:%s", p.ID, p.DataType))
	}
	return strings.Join(ids, ",")
}

func printError(w io.Writer, err error) {
	oe, ok := errors.AsOverlay(err)
	if !ok {
		return
	}
	fmt.Fprintf(w, "%s: %s\n", oe.Kind, oe.Message)
	for _, v := range oe.Violations {
		fmt.Fprintf(w, "  %s: %s\n", v.Param, v.Message)
	}
	for _, s := range oe.Suggestions {
		fmt.Fprintf(w, "  hint: %s\n", s)
	}
}

func printReport(w io.Writer, r canvas.Report) {
	if r.IsValid {
		fmt.Fprintf(w, "valid (%d warnings)\n", len(r.Warnings))
	} else {
		fmt.Fprintf(w, "invalid: %d errors, %d warnings\n", len(r.Errors), len(r.Warnings))
	}
	for _, i := range r.Errors {
		fmt.Fprintf(w, "  error   %-22s %s\n", i.Type, i.Message)
	}
	for _, i := range r.Warnings {
		fmt.Fprintf(w, "  warning %-22s %s\n", i.Type, i.Message)
	}
}

func printResult(w io.Writer, r *simulation.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "status\t%s\n", r.Status)
	fmt.Fprintf(tw, "order\t%s\n", strings.Join(r.ExecutionOrder, " -> "))
	fmt.Fprintf(tw, "signals\t%d\n", len(r.Results.Signals))
	fmt.Fprintf(tw, "weights\t%d\n", len(r.Results.Weights))
	fmt.Fprintf(tw, "actions\t%d\n", len(r.Results.Actions))
	if n := len(r.Results.Performance); n > 0 {
		last := r.Results.Performance[n-1]
		fmt.Fprintf(tw, "equity\t%s\n", last.Equity.StringFixed(2))
		fmt.Fprintf(tw, "return\t%s\n", last.Return.StringFixed(4))
		fmt.Fprintf(tw, "drawdown\t%s\n", last.Drawdown.StringFixed(4))
	}
	if r.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", r.Error)
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
