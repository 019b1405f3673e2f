// Command gatectl validates admission rules, inspects caller state and runs
// the admission sidecar.
//
// Usage:
//
//	gatectl check --config rules.yaml
//	gatectl status --policy login --ip 1.2.3.4 --email a@x.io
//	gatectl serve
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/config"
	"github.com/toolink/gate/escalation"
	"github.com/toolink/gate/gate"
	"github.com/toolink/gate/identity"
	"github.com/toolink/gate/limiter"
	"github.com/toolink/gate/metrics"
)

// CLI defines the command-line interface.
type CLI struct {
	Check  CheckCmd  `cmd:"" help:"Validate the rules file."`
	Status StatusCmd `cmd:"" help:"Show the admission state of a caller without consuming quota."`
	Serve  ServeCmd  `cmd:"" help:"Run the admission sidecar."`

	Config   string `short:"c" help:"Path to the rules file (defaults to $GATE_CONFIG)." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." env:"GATE_LOG_LEVEL" default:"info"`
}

// CheckCmd validates the rules file.
type CheckCmd struct{}

func (c *CheckCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (storage %s)\n", cfg.RulesPath, cfg.Rules.StorageType)
	for _, name := range cfg.Rules.PolicyNames() {
		p, _ := cfg.Rules.Policy(name)
		fmt.Printf("  policy %s\n", name)
		for _, r := range p.Rules {
			fmt.Printf("    %s\n", r)
		}
		if p.CaptchaDuration > 0 {
			fmt.Printf("    captcha on deny for %s\n", p.CaptchaDuration)
		}
	}
	for _, sc := range cfg.Rules.Scans {
		fmt.Printf("  scan %s: %d distinct per %ds\n", sc.Kind, sc.Threshold, sc.WindowSec)
	}
	return nil
}

// StatusCmd prints flags, penalty and window usage of one caller.
type StatusCmd struct {
	Policy  string `help:"Policy whose window counters are shown."`
	IP      string `name:"ip" help:"Caller IP."`
	Account string `help:"Caller account."`
	Email   string `help:"Caller email."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, cleanup, err := config.NewStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	id := identity.Identity{IP: c.IP, Account: c.Account, Email: c.Email}
	flags := escalation.NewCaptchaFlags(s)
	for _, dim := range []identity.Dimension{identity.DimensionIP, identity.DimensionAccount, identity.DimensionEmail} {
		v := id.Value(dim)
		if v == "" {
			continue
		}
		required, err := flags.IsRequired(ctx, dim, v)
		if err != nil {
			return err
		}
		fmt.Printf("captcha %s=%s: %t\n", dim, v, required)
	}

	if _, principal := id.Principal(); principal != "" {
		until, ok, err := escalation.NewPenaltyLedger(s).Until(ctx, principal)
		if err != nil {
			return err
		}
		if ok && until.After(time.Now()) {
			fmt.Printf("penalty %s: until %s\n", principal, until.Format(time.RFC3339))
		} else {
			fmt.Printf("penalty %s: none\n", principal)
		}
	}

	if c.Policy == "" {
		return nil
	}
	p, ok := cfg.Rules.Policy(c.Policy)
	if !ok {
		return fmt.Errorf("unknown policy %q", c.Policy)
	}
	window := limiter.NewEngine(s).Window()
	for _, r := range p.Rules {
		wr, ok := r.(limiter.WindowRule)
		if !ok {
			continue
		}
		v := id.Value(wr.By)
		if v == "" {
			continue
		}
		n, err := window.Count(ctx, limiter.ScopeKey(p, wr, v), wr.Window)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s=%s: %d/%d\n", p.Name, wr.By, v, n, wr.Limit)
	}
	return nil
}

// ServeCmd runs the admission sidecar.
type ServeCmd struct {
	Listen string `help:"Listen address (defaults to $GATE_LISTEN)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, cleanup, err := config.NewStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rec := metrics.NewRecorder(prometheus.DefaultRegisterer)
	ledger := escalation.NewPenaltyLedger(s)
	flags := escalation.NewCaptchaFlags(s)
	engine := limiter.NewEngine(s,
		limiter.WithPenalties(ledger),
		limiter.WithChallengeMarker(flags),
		limiter.WithRecorder(rec),
	)
	scanOpts := []escalation.Option{escalation.WithRecorder(rec)}
	if d := cfg.Rules.PenaltyDuration(); d > 0 {
		scanOpts = append(scanOpts, escalation.WithPenaltyDuration(d))
	}

	handler := gate.NewServer(gate.Deps{
		Engine:    engine,
		Rules:     cfg.Rules,
		Scanner:   escalation.NewScanDetector(s, ledger, scanOpts...),
		Penalties: ledger,
		Flags:     flags,
		Verifier:  rejectAll,
		Gatherer:  prometheus.DefaultGatherer,
	}, gate.WithTrustProxy(cfg.TrustProxy))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("storage", cfg.Rules.StorageType).Msg("gate server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

// rejectAll stands in for a CAPTCHA provider: flagged callers stay blocked
// until their flag expires.
var rejectAll = gate.VerifierFunc(func(context.Context, string, string) (bool, error) {
	return false, gate.ErrCaptchaVerificationFailed
})

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("gatectl"),
		kong.Description("Admission control for public content APIs."),
		kong.UsageOnError(),
	)
	setupLogger(cli.LogLevel)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
