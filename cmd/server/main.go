package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fortio.org/log"
	"github.com/cheynewallace/tabby"
	"github.com/klt/dashboard/internal/app"
	"github.com/klt/dashboard/internal/charts"
	"github.com/klt/dashboard/internal/config"
	"github.com/klt/dashboard/internal/health"
	"github.com/klt/dashboard/internal/lifecycle"
	"github.com/klt/dashboard/internal/registry"
	"github.com/klt/dashboard/internal/reporter"
	"github.com/klt/dashboard/internal/server"
	"github.com/klt/dashboard/internal/sessionstore"
	"github.com/klt/dashboard/internal/worker"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

func main() {
	if err := makeApp().Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

func makeApp() *cli.App {
	a := cli.NewApp()
	a.Name = "klt-dashboard"
	a.Usage = "Live dashboards for running load tests."
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level",
			Usage:  "log level (debug, info, warning, error)",
			EnvVar: "LOG_LEVEL",
			Value:  "info",
		},
		cli.BoolFlag{
			Name:   "mock",
			Usage:  "serve generated metrics instead of calling reporters",
			EnvVar: "USE_MOCK",
		},
	}
	a.Before = func(c *cli.Context) error {
		return errors.Wrap(log.SetLogLevelStr(c.String("log-level")), "setting log level")
	}
	a.Commands = []cli.Command{
		serveCommand(),
		watchCommand(),
	}
	return a
}

func serveCommand() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "run the dashboard web server",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "listen, l",
				Usage: "address to listen on (overrides KLT_LISTEN_ADDR)",
			},
			cli.StringFlag{
				Name:  "store",
				Usage: "session store driver: memory, postgres or mysql (overrides KLT_STORE_DRIVER)",
			},
			cli.StringFlag{
				Name:  "dsn",
				Usage: "session store DSN (overrides KLT_STORE_DSN)",
			},
		},
		Action: serve,
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.FromEnv()
	if c.GlobalIsSet("mock") {
		cfg.UseMock = c.GlobalBool("mock")
	}
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("store") {
		cfg.StoreDriver = c.String("store")
	}
	if c.IsSet("dsn") {
		cfg.StoreDSN = c.String("dsn")
	}
	if c.IsSet("interval") {
		cfg.PollInterval = c.Duration("interval")
	}
	return cfg, errors.Wrap(cfg.Validate(), "invalid configuration")
}

func newClient(cfg config.Config) reporter.Client {
	if cfg.UseMock {
		log.Infof("Using MOCK reporter client (%d VUs)", cfg.MockVUs)
		return reporter.NewMockClient(cfg.MockVUs)
	}
	log.Infof("Using REAL reporter client")
	return reporter.NewRealClient(cfg.ReporterToken)
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := sessionstore.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return errors.Wrap(err, "opening session store")
	}
	defer store.Close()
	log.Infof("Session store: %s", cfg.StoreDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.NewManager(ctx, store)
	client := newClient(cfg)
	engine := lifecycle.NewEngine(reg, store, client, health.NewProber(client, cfg.ProbePolicy()), cfg.Lifecycle())

	go worker.NewWorker(engine, cfg.SweepInterval).Start(ctx)

	srv := server.NewServer(engine, reg, charts.NewGenerator())
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Infof("Received signal %v, shutting down...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errf("Graceful shutdown failed: %v", err)
		}
	}()

	log.Infof("Starting load test dashboard on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server failed")
	}
	cancel()
	engine.Close()
	log.Infof("Server stopped.")
	return nil
}

func watchCommand() cli.Command {
	return cli.Command{
		Name:  "watch",
		Usage: "follow one load test in the terminal until it stops",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "url, u",
				Usage: "metrics endpoint of the load test",
			},
			cli.StringFlag{
				Name:  "title, t",
				Usage: "name shown in the output",
				Value: "load test",
			},
			cli.DurationFlag{
				Name:  "interval",
				Usage: "poll interval (overrides KLT_POLL_INTERVAL)",
			},
			cli.DurationFlag{
				Name:  "every",
				Usage: "how often to print progress",
				Value: 5 * time.Second,
			},
		},
		Before: func(c *cli.Context) error {
			if c.String("url") == "" {
				return errors.New("missing url")
			}
			return nil
		},
		Action: watch,
	}
}

func watch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := sessionstore.NewMemoryStore()
	reg := registry.NewManager(ctx, store)
	d, err := reg.Create(ctx, registry.CreateDashboardRequest{
		URL:   c.String("url"),
		Title: c.String("title"),
	})
	if err != nil {
		return errors.Wrap(err, "creating dashboard")
	}

	client := newClient(cfg)
	engine := lifecycle.NewEngine(reg, store, client, health.NewProber(client, cfg.ProbePolicy()), cfg.Lifecycle())
	defer engine.Close()

	if err := engine.Activate(d.ID); err != nil {
		return errors.Wrap(err, "starting dashboard")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(c.Duration("every"))
	defer ticker.Stop()
	stopCheck := time.NewTicker(cfg.PollInterval)
	defer stopCheck.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println()
			return printSummary(engine, d)
		case <-ticker.C:
			status, err := engine.Status(d.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %d VUs\n", status.Status, status.Elapsed, status.ActiveVUs)
		case <-stopCheck.C:
			stopped, err := engine.IsStopped(d.ID)
			if err != nil {
				return err
			}
			if stopped {
				return printSummary(engine, d)
			}
		}
	}
}

func printSummary(engine *lifecycle.Engine, d app.DashboardTarget) error {
	status, err := engine.Status(d.ID)
	if err != nil {
		return err
	}
	table, err := engine.Table(d.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s after %s\n\n", d.Title, status.Status, status.Elapsed)

	t := tabby.New()
	t.AddHeader("Step", "Count", "Failures", "In", "Out", "Avg ms", "P90", "P95", "P99")
	for _, s := range table.Steps {
		t.AddLine(s.Name, s.Count, s.Failures, s.BytesIn, s.BytesOut, s.AvgResponseMs, s.P90Ms, s.P95Ms, s.P99Ms)
	}
	t.Print()
	fmt.Println()

	t = tabby.New()
	t.AddHeader("VU", "Executions", "Failures", "Steps", "Avg ms", "P90", "P95", "P99")
	for _, vu := range table.VUs {
		t.AddLine(vu.VUID, vu.ExecCount, vu.ExecFailures, vu.StepCount, vu.AvgExecMs, vu.P90ExecMs, vu.P95ExecMs, vu.P99ExecMs)
	}
	t.Print()
	return nil
}
