package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	chatstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"

	"github.com/gxo-labs/chatstate/internal/app"
	"github.com/gxo-labs/chatstate/internal/config"
	"github.com/gxo-labs/chatstate/internal/logger"
	"github.com/gxo-labs/chatstate/internal/metrics"
	"github.com/gxo-labs/chatstate/internal/persistence"
	"github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/gxo-labs/chatstate/internal/tracing"
)

// Exit codes follow the shell convention of 128+signal for signal exits.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsageError  = 2
	ExitSigIntBase  = 128
	ExitSigInt      = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm     = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel = "info"
	DefaultLogFmt   = "text"
	shutdownTimeout = 5 * time.Second
)

// Set at build time via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Subcommand dispatch is positional; everything else goes to the run flags.
	if len(os.Args) > 1 && os.Args[1] == "validate" {
		os.Exit(runValidateCommand(os.Args[2:], os.Stderr))
	}
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		printVersion(os.Stdout)
		os.Exit(ExitSuccess)
	}
	os.Exit(runCommand(os.Args[1:], os.Stdout, os.Stderr))
}

// printVersion writes build metadata to w.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "chatstate version %s\n", version)
	fmt.Fprintf(w, "commit: %s\n", commit)
	fmt.Fprintf(w, "built: %s\n", buildDate)
	fmt.Fprintf(w, "go version: %s\n", runtime.Version())
	fmt.Fprintf(w, "os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// runValidateCommand loads and validates a config file without starting
// anything. It returns the process exit code.
func runValidateCommand(args []string, stderr io.Writer) int {
	validateFlags := flag.NewFlagSet("validate", flag.ContinueOnError)
	validateFlags.SetOutput(stderr)
	configPath := validateFlags.String("config", "", "Path to the config YAML file to validate (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")

	validateFlags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatstate validate -config <path> [flags...]\n\n")
		fmt.Fprintln(stderr, "Validates the schema and structure of a chatstate config file.")
		fmt.Fprintln(stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}

	if err := validateFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *configPath == "" {
		fmt.Fprintln(stderr, "Error: -config flag is required for validation")
		validateFlags.Usage()
		return ExitUsageError
	}

	log := logger.NewLogger(*logLevel, "text", stderr)
	log.Infof("Validating config: %s", *configPath)

	if _, err := config.LoadFile(*configPath); err != nil {
		// Pick the most specific message available.
		var validationErr *cserrors.ValidationError
		var configErr *cserrors.ConfigError
		if errors.As(err, &validationErr) {
			log.Errorf("Config validation failed:\n%s", validationErr.Error())
		} else if errors.As(err, &configErr) {
			log.Errorf("Config error:\n%s", configErr.Error())
		} else {
			log.Errorf("Failed to load or validate config: %v", err)
		}
		return ExitFailure
	}

	log.Infof("Config validation successful: %s", *configPath)
	return ExitSuccess
}

// assignments collects repeated -set path=json flags.
type assignments []assignment

// assignment is a single -set flag, with the value already decoded.
type assignment struct {
	path  string
	value interface{}
}

func (a *assignments) String() string {
	parts := make([]string, 0, len(*a))
	for _, as := range *a {
		parts = append(parts, as.path)
	}
	return strings.Join(parts, ",")
}

func (a *assignments) Set(raw string) error {
	path, rawValue, ok := strings.Cut(raw, "=")
	if !ok || path == "" {
		return fmt.Errorf("expected path=json, got '%s'", raw)
	}
	var value interface{}
	if err := json.Unmarshal([]byte(rawValue), &value); err != nil {
		// Bare words are taken as strings so -set ui.theme=dark works.
		value = rawValue
	}
	*a = append(*a, assignment{path: path, value: value})
	return nil
}

// runCommand builds the application, applies -set assignments, prints the
// requested state as JSON and optionally serves metrics. It returns the
// process exit code.
func runCommand(args []string, stdout, stderr io.Writer) int {
	runFlags := flag.NewFlagSet("chatstate", flag.ContinueOnError)
	runFlags.SetOutput(stderr)
	configPath := runFlags.String("config", "", "Path to the config YAML file (defaults apply when empty)")
	logLevel := runFlags.String("log-level", "", "Log level (debug, info, warn, error); overrides the config")
	logFormat := runFlags.String("log-format", "", "Log format (text, json); overrides the config")
	getPath := runFlags.String("get", "", "Print the state at <store>.<path> instead of the full snapshot")
	metricsAddr := runFlags.String("metrics-addr", "", "Serve Prometheus metrics on this address until interrupted")
	versionFlag := runFlags.Bool("version", false, "Print version information and exit")
	var sets assignments
	runFlags.Var(&sets, "set", "Assign <store>.<path>=<json> after init (repeatable)")

	runFlags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatstate [flags...]\n\n")
		fmt.Fprintln(stderr, "Initializes the chat state layer, applies assignments and prints state.")
		fmt.Fprintln(stderr, "\nFlags:")
		runFlags.PrintDefaults()
	}

	if err := runFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *versionFlag {
		printVersion(stdout)
		return ExitSuccess
	}

	// Flags win over the config file, which wins over defaults.
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitFailure
		}
		cfg = loaded
	}
	if *logLevel == "" {
		*logLevel = cfg.GetLogLevel()
	}
	if *logFormat == "" {
		*logFormat = cfg.GetLogFormat()
	}
	if *logFormat != "text" && *logFormat != "json" {
		fmt.Fprintln(stderr, "Error: -log-format must be 'text' or 'json'")
		return ExitUsageError
	}

	log := logger.NewLogger(*logLevel, *logFormat, stderr).With("chatstate_version", version)
	log.Infof("chatstate v%s starting...", version)

	ctx := context.Background()
	store, err := persistence.Open(ctx, cfg.GetStorageBackend(), cfg.GetStoragePath(), log)
	if err != nil {
		log.Errorf("Failed to open storage: %v", err)
		return ExitFailure
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warnf("Error closing storage: %v", cerr)
		}
	}()

	// Observability. Tracing falls back to a no-op when the env is unusable.
	metricsProvider := metrics.NewProcessRegistryProvider()
	tracerProvider, err := tracing.NewProviderFromEnv(ctx, log)
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		tracerProvider = tracing.NewNoOpProvider()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := tracerProvider.Shutdown(shutdownCtx); serr != nil {
			log.Warnf("Error shutting down tracer provider: %v", serr)
		}
	}()

	application, err := app.NewApplication(log,
		chatstate.WithConfig(cfg),
		chatstate.WithStorage(store),
		chatstate.WithSecretsProvider(secrets.NewEnvProvider()),
		chatstate.WithMetricsRegistryProvider(metricsProvider),
		chatstate.WithTracerProvider(tracerProvider),
	)
	if err != nil {
		log.Errorf("Failed to create application: %v", err)
		return ExitFailure
	}
	// Drive it through the public interface from here on.
	var facade chatstate.ApplicationV1 = application
	defer func() {
		destroyCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if derr := facade.Destroy(destroyCtx); derr != nil {
			log.Warnf("Error destroying application: %v", derr)
		}
	}()

	if err := facade.Init(ctx); err != nil {
		log.Errorf("Initialization failed: %v", err)
		return ExitFailure
	}
	for _, as := range sets {
		if err := facade.SetState(as.path, as.value); err != nil {
			log.Errorf("Failed to set '%s': %v", as.path, err)
			return ExitFailure
		}
	}
	// Let async reactions settle before reading state.
	if err := application.WaitIdle(ctx); err != nil {
		log.Warnf("Pending reactions did not finish: %v", err)
	}

	value, ok := facade.GetState(*getPath)
	if !ok {
		log.Errorf("No state at '%s'", *getPath)
		return ExitFailure
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		log.Errorf("Failed to encode state: %v", err)
		return ExitFailure
	}

	if *metricsAddr == "" {
		return ExitSuccess
	}
	sig, err := serveMetrics(*metricsAddr, metricsProvider, log)
	if err != nil {
		log.Errorf("Metrics server failed: %v", err)
		return ExitFailure
	}
	return exitCodeForSignal(sig, log)
}

// serveMetrics serves /metrics until SIGINT or SIGTERM and returns the
// signal received.
func serveMetrics(addr string, provider *metrics.PrometheusRegistryProvider, log cslog.Logger) (os.Signal, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(provider.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.Infof("Serving metrics on http://%s/metrics", ln.Addr())

	var sig os.Signal
	select {
	case sig = <-sigChan:
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warnf("Error shutting down metrics server: %v", serr)
	}
	wg.Wait()
	return sig, err
}

// exitCodeForSignal maps the signal that ended the metrics server to an exit
// code. A nil signal means none was received.
func exitCodeForSignal(sig os.Signal, log cslog.Logger) int {
	switch sig {
	case nil:
		return ExitSuccess
	case syscall.SIGINT:
		log.Warnf("Interrupted by signal: SIGINT")
		return ExitSigInt
	case syscall.SIGTERM:
		log.Warnf("Terminated by signal: SIGTERM")
		return ExitSigTerm
	default:
		log.Warnf("Terminated by signal: %v", sig)
		return ExitFailure
	}
}
