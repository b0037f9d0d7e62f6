// fetch is a command line client for the market data orchestrator. It builds
// the same stack as the server in-process and prints JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marketdata/internal/app"
	"marketdata/internal/config"
	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

type globalFlags struct {
	configPath string
	envFiles   []string
	stub       bool
	logLevel   string
	timeout    time.Duration
	tier       string
	userID     string
	source     string
	start      string
	end        string
	dataType   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "fetch",
		Short:         "Query market data through the orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml (optional)")
	pf.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading config")
	pf.BoolVar(&g.stub, "stub", false, "serve synthetic data from in-memory providers")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level; logs go to stderr")
	pf.DurationVar(&g.timeout, "timeout", 60*time.Second, "overall deadline")
	pf.StringVar(&g.tier, "tier", "", "caller tier: free, basic, premium or enterprise")
	pf.StringVar(&g.userID, "user", "", "caller id recorded with tier checks")
	pf.StringVar(&g.source, "source", "", "preferred source (finmind, finnhub)")
	pf.StringVar(&g.start, "start", "", "start date YYYY-MM-DD")
	pf.StringVar(&g.end, "end", "", "end date YYYY-MM-DD")
	pf.StringVarP(&g.dataType, "type", "t", "stock_price", "data type")
	pf.BoolVar(&g.pretty, "pretty", true, "indent JSON output")

	root.AddCommand(
		fetchCmd(g),
		batchCmd(g),
		classifyCmd(g),
		healthCmd(g),
		dumpCmd(g),
	)
	return root
}

func fetchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch SYMBOL",
		Short: "Fetch one symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App, dt provider.DataType, opts []provider.RequestOption) error {
				resp := a.Orchestrator.Execute(ctx, provider.NewRequest(args[0], dt, opts...))
				if err := g.print(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				if !resp.Success {
					return fmt.Errorf("%s", resp.Error)
				}
				return nil
			})
		},
	}
}

func batchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "batch SYMBOL...",
		Short: "Fetch many symbols concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App, dt provider.DataType, opts []provider.RequestOption) error {
				var symbols []string
				for _, arg := range args {
					symbols = append(symbols, splitCSV(arg)...)
				}
				return g.print(cmd.OutOrStdout(), a.Orchestrator.Batch(ctx, symbols, dt, opts...))
			})
		},
	}
}

func classifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "classify SYMBOL...",
		Short: "Show how symbols are classified",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make([]symbol.Info, 0, len(args))
			for _, arg := range args {
				out = append(out, symbol.Classify(arg))
			}
			return g.print(cmd.OutOrStdout(), out)
		},
	}
}

func healthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every provider and print routing status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App, _ provider.DataType, _ []provider.RequestOption) error {
				a.Engine.Probe(ctx)
				return g.print(cmd.OutOrStdout(), a.Orchestrator.SourceStatus())
			})
		},
	}
}

// dumpCmd writes the provider payload before normalization, which is what
// you want when a feed changes shape.
func dumpCmd(g *globalFlags) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "dump SYMBOL",
		Short: "Write one raw provider payload to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app.App, dt provider.DataType, opts []provider.RequestOption) error {
				req := provider.NewRequest(args[0], dt, opts...)
				info := symbol.Classify(args[0])
				src := req.PreferredSource()
				if src == provider.SourceAuto {
					src = a.Engine.SelectSource(req, info)
				}
				p, ok := a.Engine.Provider(src)
				if !ok {
					return fmt.Errorf("source %s is not configured", src)
				}
				raw, err := p.Fetch(ctx, req, info)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if outPath != "" && outPath != "-" {
					f, err := os.Create(outPath)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				if err := g.print(w, raw); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %s: %d attempt(s) in %s\n", raw.Source, raw.DataType, info.Normalized, raw.Attempts, raw.Elapsed.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "output file, - for stdout")
	return cmd
}

// withApp builds the application from flags and config, runs fn under the
// global deadline and tears everything down afterwards.
func (g *globalFlags) withApp(cmd *cobra.Command, fn func(context.Context, *app.App, provider.DataType, []provider.RequestOption) error) error {
	dt, ok := provider.ParseDataType(g.dataType)
	if !ok {
		return fmt.Errorf("unknown data type %q", g.dataType)
	}
	opts, err := g.requestOptions()
	if err != nil {
		return err
	}

	if err := config.LoadEnvFiles(g.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if g.stub {
		cfg.Orchestrator.Stub = true
	}
	cfg.Routing.ProbeEnabled = false
	cfg.Log.Level = g.logLevel
	cfg.Log.Output = "stderr"

	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, dt, opts)
}

func (g *globalFlags) requestOptions() ([]provider.RequestOption, error) {
	var opts []provider.RequestOption
	if g.source != "" {
		opts = append(opts, provider.WithSource(provider.ParseSource(g.source)))
	}
	if g.tier != "" {
		tier, ok := provider.ParseTier(g.tier)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", g.tier)
		}
		opts = append(opts, provider.WithCaller(provider.Caller{UserID: g.userID, Tier: tier}))
	}
	var start, end time.Time
	var err error
	if g.start != "" {
		if start, err = time.Parse(time.DateOnly, g.start); err != nil {
			return nil, fmt.Errorf("--start: %w", err)
		}
	}
	if g.end != "" {
		if end, err = time.Parse(time.DateOnly, g.end); err != nil {
			return nil, fmt.Errorf("--end: %w", err)
		}
	}
	if !start.IsZero() || !end.IsZero() {
		opts = append(opts, provider.WithDateRange(start, end))
	}
	return opts, nil
}

func (g *globalFlags) print(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if g.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
