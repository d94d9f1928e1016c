package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/stitchworks/crochet3d/internal/assembly"
	"github.com/stitchworks/crochet3d/internal/engine"
	"github.com/stitchworks/crochet3d/internal/instructions"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/yarn"
)

// errInvalidAssembly makes validate exit non-zero without printing twice.
var errInvalidAssembly = errors.New("assembly has validation errors")

func newDemoCmd(opts *rootOptions) *cobra.Command {
	var template, out string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Build a template assembly, validate it and optionally export every format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := opts.openEngine(cmd, engine.WithName(template))
			if err != nil {
				return err
			}
			defer eng.Close()

			ids, err := eng.Assembly().UseTemplate(ctx, template)
			if err != nil {
				return err
			}
			res := eng.Assembly().Validate(ctx)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "template %s: %d pieces, %d connections, %d bridges\n",
				template, len(ids), len(eng.Assembly().Connections()), eng.Bridges().Len())
			fmt.Fprintf(w, "validation: %s (score %d)\n", res.Summary, res.Score)
			for _, s := range eng.Suggestions() {
				fmt.Fprintf(w, "suggestion [%s]: %s\n", s.Kind, s.Message)
			}
			if out == "" {
				return nil
			}
			arts, err := eng.Export(ctx)
			if err != nil {
				return err
			}
			return writeArtifacts(ctx, eng.Logger(), out, arts)
		},
	}
	names := make([]string, 0)
	for _, t := range assembly.Templates() {
		names = append(names, t.Name)
	}
	cmd.Flags().StringVar(&template, "template", "teddy", "template to build ("+strings.Join(names, ", ")+")")
	cmd.Flags().StringVarP(&out, "out", "o", "", "directory to export every format into")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Import a document and print its validation result and suggestions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := opts.openDocument(cmd, args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			res := eng.Assembly().Validate(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), map[string]any{
				"validation":  res,
				"suggestions": eng.Suggestions(),
			}); err != nil {
				return err
			}
			if !res.Valid {
				return errInvalidAssembly
			}
			return nil
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var formats, out string
	cmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Convert a document into other formats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := opts.openDocument(cmd, args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			arts, err := eng.Export(cmd.Context(), splitList(formats)...)
			if err != nil {
				return err
			}
			if err := writeArtifacts(cmd.Context(), eng.Logger(), out, arts); err != nil {
				return err
			}
			for _, a := range arts {
				fmt.Fprintln(cmd.OutOrStdout(), a.Filename)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&formats, "format", "f", "", "comma separated formats (all when empty)")
	cmd.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import a document and save it into the configured storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, doc, err := opts.openDocument(cmd, args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Assembly().Save(cmd.Context())
			if err != nil {
				return err
			}
			eng.Logger().Info(cmd.Context(), "document imported",
				logging.String("version", doc.Version),
				logging.Int("pieces", len(doc.Assembly.Pieces)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s as %s\n", eng.Assembly().ID(), res.Key)
			return nil
		},
	}
}

func newInstructionsCmd(opts *rootOptions) *cobra.Command {
	var typ, difficulty, lang, weight string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "instructions FILE",
		Short: "Write step-by-step instructions for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := yarn.ParseWeight(weight)
			if err != nil {
				return err
			}
			eng, _, err := opts.openDocument(cmd, args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			doc, err := eng.GenerateInstructions(instructions.Options{
				Type:       instructions.Type(typ),
				Difficulty: instructions.Difficulty(difficulty),
				Language:   lang,
				YarnWeight: &w,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), doc)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), doc.Text())
			return err
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(instructions.TypeAssembly), "assembly, pattern, technique, materials or troubleshooting")
	cmd.Flags().StringVar(&difficulty, "difficulty", string(instructions.Beginner), "beginner, intermediate or advanced")
	cmd.Flags().StringVar(&lang, "lang", "en", "BCP 47 language tag")
	cmd.Flags().StringVar(&weight, "weight", "medium", "yarn weight")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the document as JSON")
	return cmd
}

func newYarnCmd(opts *rootOptions) *cobra.Command {
	var weight, price string
	var waste float64
	cmd := &cobra.Command{
		Use:   "yarn FILE",
		Short: "Estimate yarn per colour and the cost of the skeins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := yarn.ParseWeight(weight)
			if err != nil {
				return err
			}
			perSkein, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("price: %w", err)
			}
			eng, _, err := opts.openDocument(cmd, args[0])
			if err != nil {
				return err
			}
			defer eng.Close()

			usage, err := eng.YarnByColor(yarn.LengthOptions{Weight: w, Waste: waste})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			skeins := 0
			for _, u := range usage {
				fmt.Fprintf(out, "%s\t%d pieces\t%.1f m\t%.0f g\t%d skeins\n",
					u.Color.Hex(), u.Pieces, u.Meters, u.Grams, u.Recommended)
				skeins += u.Recommended
			}
			cost := yarn.Price(skeins, yarn.CostOptions{PricePerSkein: perSkein})
			fmt.Fprintf(out, "total\t%d skeins\t$%s\n", skeins, cost.Total.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVar(&weight, "weight", "medium", "yarn weight name or category number")
	cmd.Flags().Float64Var(&waste, "waste", yarn.DefaultWaste, "waste allowance as a fraction")
	cmd.Flags().StringVar(&price, "price", "4.99", "price per skein")
	return cmd
}
