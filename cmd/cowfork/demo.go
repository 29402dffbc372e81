package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/metrics"
	"github.com/kahiteam/cowfork/internal/scenario"
	"github.com/kahiteam/cowfork/internal/tracing"
	"github.com/kahiteam/cowfork/internal/version"
	"github.com/spf13/cobra"
)

var (
	demoListen  string
	demoServe   bool
	demoNoColor bool
	demoTables  bool
	demoList    bool
	demoTrace   string
)

var demoCmd = &cobra.Command{
	Use:   "demo [scenario...]",
	Short: "Run fork scenarios against the simulated kernel",
	Long:  "Run the named scenarios, or all of them, each on a fresh simulated kernel, and report which passed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if demoList {
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, s := range scenario.All() {
				fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Summary)
			}
			return tw.Flush()
		}

		cfg, warnings, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := newLogger(cfg, warnings)
		if err != nil {
			return err
		}
		defer closeLog()

		listen := cfg.Metrics.Listen
		if demoListen != "" {
			listen = demoListen
		}

		collector := metrics.New()
		collector.SetBuildInfo(version.Version, version.Go())
		bus := events.NewBus(logger)
		detach := collector.Attach(bus)
		defer detach()

		if demoTrace != "" {
			tp, err := tracing.Open(demoTrace, version.Version)
			if err != nil {
				return fmt.Errorf("cannot open trace output: %w", err)
			}
			defer tp.Attach(bus)()
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Warn("trace shutdown", "error", err)
				}
			}()
		}

		var srv *metrics.Server
		if listen != "" {
			if srv, err = metrics.Serve(listen, collector, logger); err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Stop(ctx)
			}()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		env := &scenario.Env{
			Config:   cfg,
			Logger:   logger,
			Bus:      bus,
			Color:    !demoNoColor && logging.IsTerminal(out),
			AfterRun: func(_ string, k *kern.Kernel) { collector.Sample(k) },
		}
		if demoTables {
			env.Out = out
		}
		outcomes, err := scenario.RunAll(ctx, env, args...)
		if err != nil && len(outcomes) == 0 {
			return err
		}

		failed := 0
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCENARIO\tRESULT\tTIME\tDETAIL")
		for _, o := range outcomes {
			result, detail := "ok", ""
			if o.Err != nil {
				failed++
				result, detail = "FAIL", o.Err.Error()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Name, result, o.Duration.Round(time.Microsecond), detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if srv != nil && demoServe {
			fmt.Fprintf(out, "serving metrics on http://%s/metrics, interrupt to stop\n", srv.Addr())
			<-ctx.Done()
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(outcomes))
		}
		return err
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides [metrics] listen)")
	demoCmd.Flags().BoolVar(&demoServe, "serve", false, "keep serving metrics after the scenarios finish")
	demoCmd.Flags().BoolVar(&demoNoColor, "no-color", false, "disable colored output")
	demoCmd.Flags().BoolVar(&demoTables, "tables", true, "print address-space tables")
	demoCmd.Flags().BoolVar(&demoList, "list", false, "list scenarios and exit")
	demoCmd.Flags().StringVar(&demoTrace, "trace", "", "write OpenTelemetry spans as JSON to this file (- for stdout)")
	rootCmd.AddCommand(demoCmd)
}
