// Command goinspect runs an analysis session on a sample source and opens
// an inspector per configured channel.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rjboer/GoInspect/internal/analyzer"
	"github.com/rjboer/GoInspect/internal/logging"
	"github.com/rjboer/GoInspect/internal/mdns"
	"github.com/rjboer/GoInspect/internal/mq"
	"github.com/rjboer/GoInspect/internal/source"
	"github.com/rjboer/GoInspect/internal/telemetry"
)

const defaultConfigPath = "goinspect.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "goinspect: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stderr io.Writer) error {
	configPath := envString(lookup, "INSPECT_CONFIG", defaultConfigPath)
	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := parseConfig(args, lookup, persistentCfg)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return err
	}
	logger := logging.New(level, format, stderr)
	logging.SetDefault(logger)

	src, err := source.Open(cfg.source)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	if err := cfg.rebase(src.SampleRate()); err != nil {
		_ = src.Close()
		return fmt.Errorf("source %s: %w", cfg.source.Backend, err)
	}
	out := mq.New()
	a, err := analyzer.New(cfg.analyzer, src, out, logger)
	if err != nil {
		_ = src.Close()
		return err
	}
	defer a.Destroy()

	// the web hub replaces the log reporter
	var reporter telemetry.Reporter = telemetry.NewStdoutReporter(logger)
	var web *telemetry.WebServer
	port := 0
	if cfg.webAddr != "" {
		hub := telemetry.NewHub(cfg.historyLimit, logger)
		reporter = hub
		web = telemetry.NewWebServer(cfg.webAddr, hub, logger)
		if port, err = web.Listen(); err != nil {
			return fmt.Errorf("web telemetry: %w", err)
		}
	}

	if err := a.Start(ctx); err != nil {
		return err
	}

	session, endSession := context.WithCancel(ctx)
	defer endSession()
	g, gctx := errgroup.WithContext(session)

	g.Go(func() error {
		defer endSession()
		// drain until the analyzer's halted message even after ctx ends
		return telemetry.Pump(context.WithoutCancel(gctx), a, reporter)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.ReqHalt()
		return nil
	})

	if web != nil {
		g.Go(func() error { return web.Serve(gctx) })
		if cfg.mdns {
			txt := []string{
				"session=" + a.ID().String(),
				"rate=" + strconv.FormatFloat(float64(src.SampleRate()), 'f', -1, 64),
				"fc=" + strconv.FormatFloat(float64(src.CenterFrequency()), 'f', -1, 64),
			}
			g.Go(func() error {
				if err := mdns.Advertise(gctx, cfg.instance, port, txt, logger); err != nil {
					logger.Warn("mdns disabled", logging.F("err", err))
				}
				return nil
			})
		}
	}

	if cfg.duration > 0 {
		g.Go(func() error {
			t := time.NewTimer(cfg.duration)
			defer t.Stop()
			select {
			case <-t.C:
				logger.Info("duration elapsed", logging.F("duration", cfg.duration))
				a.ReqHalt()
			case <-gctx.Done():
			}
			return nil
		})
	}

	// handles are handed out lowest first, so channel i gets handle i
	for i, ch := range cfg.channels {
		if err := a.OpenInspectorAsync(ch, uint32(2*i+1)); err != nil {
			logger.Warn("open inspector", logging.F("channel", i), logging.F("err", err))
			break
		}
		if err := a.SetParamsAsync(i, cfg.params(i), uint32(2*i+2)); err != nil {
			logger.Warn("set params", logging.F("channel", i), logging.F("err", err))
			break
		}
	}

	return g.Wait()
}
