// Command crochet runs the assembly engine as a gRPC service and offers
// offline tools for assembly documents.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/stitchworks/crochet3d/internal/config"
	"github.com/stitchworks/crochet3d/internal/engine"
	"github.com/stitchworks/crochet3d/internal/exchange"
	"github.com/stitchworks/crochet3d/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	tier       string
	strict     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "crochet",
		Short:         "Assemble crocheted 3D pieces into finished projects",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file (defaults plus environment when empty)")
	root.PersistentFlags().StringVar(&opts.tier, "tier", "", "override the configured tier (freemium, pro, studio)")
	root.PersistentFlags().BoolVar(&opts.strict, "strict", false, "reject documents from a different major version")

	root.AddCommand(
		newServeCmd(opts),
		newDemoCmd(opts),
		newValidateCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newInstructionsCmd(opts),
		newYarnCmd(opts),
	)
	return root
}

// loadConfig reads the configuration and applies command-line overrides.
// Logs go to the command's stderr.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.tier != "" {
		cfg.Tier.Name = strings.ToLower(o.tier)
	}
	cfg.Logging.Output = cmd.ErrOrStderr()
	return cfg, cfg.Validate()
}

// openEngine builds an engine for a one-shot command.
func (o *rootOptions) openEngine(cmd *cobra.Command, opts ...engine.Option) (*engine.Engine, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return engine.New(cmd.Context(), cfg, opts...)
}

// openDocument builds an engine and imports path into it.
func (o *rootOptions) openDocument(cmd *cobra.Command, path string) (*engine.Engine, *exchange.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	eng, err := o.openEngine(cmd, engine.WithName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))))
	if err != nil {
		return nil, nil, err
	}
	doc, err := eng.Import(cmd.Context(), filepath.Base(path), data, exchange.ImportOptions{Strict: o.strict})
	if err != nil {
		_ = eng.Close()
		return nil, nil, fmt.Errorf("import %s: %w", path, err)
	}
	return eng, doc, nil
}

func writeArtifacts(ctx context.Context, log logging.Logger, dir string, arts []exchange.Artifact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, a := range arts {
		path := filepath.Join(dir, a.Filename)
		if err := os.WriteFile(path, a.Data, 0o644); err != nil {
			return err
		}
		log.Info(ctx, "wrote artifact", logging.String("format", a.Format), logging.String("path", path))
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
