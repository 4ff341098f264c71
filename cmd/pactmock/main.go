// pactmock runs a standalone pact mock server from a contract file.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/MaxCampman/pact-reference/pkg/logging"
	"github.com/MaxCampman/pact-reference/pkg/mockserver"
	"github.com/MaxCampman/pact-reference/pkg/models"
	"github.com/MaxCampman/pact-reference/pkg/registry"
	pacttls "github.com/MaxCampman/pact-reference/pkg/tls"
)

// Build-time variables set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Env is the environment configuration, mirroring the variables the pact
// tooling ecosystem uses.
type Env struct {
	OutputDir string `envconfig:"PACT_OUTPUT_DIR" default:"."`
	LogLevel  string `envconfig:"PACT_LOG_LEVEL" default:"info"`
	Host      string `envconfig:"PACT_MOCK_SERVER_HOST" default:"127.0.0.1"`
}

type serveOptions struct {
	file   string
	id     string
	port   int
	tls    bool
	cors   bool
	strict bool
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pactmock",
		Short:         "Run pact contract mock servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), versionCommand())
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pactmock %s (%s)\n", Version, Commit)
		},
	}
}

func serveCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a mock server from a pact file and run until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "pact contract file (JSON or YAML)")
	cmd.Flags().StringVar(&opts.id, "id", "", "mock server id (defaults to a generated UUID)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "port to bind (0 picks a free port)")
	cmd.Flags().BoolVar(&opts.tls, "tls", false, "serve HTTPS with a generated self-signed certificate")
	cmd.Flags().BoolVar(&opts.cors, "cors", false, "answer CORS preflight requests")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "treat undeclared query parameters as mismatches")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runServe(opts *serveOptions) error {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment configuration: %w", err)
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(env.LogLevel),
		Format: logging.FormatText,
	})

	pact, err := models.LoadFile(opts.file)
	if err != nil {
		return err
	}

	id := opts.id
	if id == "" {
		id = uuid.NewString()
	}

	reg := registry.New(registry.WithLogger(log))
	defer func() { _ = reg.Close() }()

	addr := fmt.Sprintf("%s:%d", env.Host, opts.port)
	cfg := mockserver.Config{CORSPreflight: opts.cors, StrictMatching: opts.strict}

	var resolved string
	if opts.tls {
		cert, err := pacttls.GenerateSelfSignedCert(nil)
		if err != nil {
			return err
		}
		resolved, err = reg.StartTLS(id, pact, addr, cert.CertPEM, cert.KeyPEM, cfg)
		if err != nil {
			return err
		}
	} else {
		resolved, err = reg.Start(id, pact, addr, cfg)
		if err != nil {
			return err
		}
	}

	url, _ := reg.URL(id)
	fmt.Printf("Mock server %s listening on %s (%s)\n", id, resolved, url)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return finish(reg, id, env.OutputDir, log)
}

// finish writes the pact file when every interaction matched, shuts the
// server down, and reports the verification outcome.
func finish(reg *registry.Registry, id, outputDir string, log *slog.Logger) error {
	matched, _ := reg.AllMatched(id)
	matches, _ := reg.Matches(id)
	metrics, _ := reg.Metrics(id)

	var pactPath string
	if matched {
		path, err := reg.WritePact(id, outputDir)
		if err != nil {
			return err
		}
		pactPath = path
	}

	if !reg.ShutdownByID(id) {
		return fmt.Errorf("failed to shut down mock server %s", id)
	}
	log.Info("mock server stopped", "id", id,
		"requests", metrics.RequestsReceived, "unmatched", metrics.RequestsUnmatched)

	if !matched {
		for _, m := range matches {
			if m.Matched {
				continue
			}
			detail, _ := json.MarshalIndent(m, "", "  ")
			fmt.Fprintln(os.Stderr, string(detail))
		}
		return fmt.Errorf("pact verification failed: %d of %d requests unmatched",
			metrics.RequestsUnmatched, metrics.RequestsReceived)
	}

	fmt.Printf("Pact written to %s\n", pactPath)
	return nil
}
