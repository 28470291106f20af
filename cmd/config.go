package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fmsgo/fms/config"
	"github.com/fmsgo/fms/model"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config [ARCHITECTURE VARIANT]",
		Short: "Print the configuration of a registered variant",
		Long: `Print the configuration of a registered variant in one of three schemas:
native (fms), hf (native schema with Hugging Face field names) or reference
(the Hugging Face LlamaConfig schema). Without arguments, list the registered
architectures and variants.`,
		Args: cobra.MatchAll(cobra.MaximumNArgs(2), func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return fmt.Errorf("expected both an architecture and a variant")
			}
			return nil
		}),
		RunE: configHandler,
	}

	cmd.Flags().String("schema", "reference", "Config schema: native, hf or reference")
	return cmd
}

func configHandler(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if len(args) == 0 {
		for _, arch := range model.Architectures() {
			variants, err := model.Variants(arch)
			if err != nil {
				return err
			}

			fmt.Fprintln(w, arch, variants)
		}
		return nil
	}

	c, err := model.Variant(args[0], args[1])
	if err != nil {
		return err
	}

	schema, _ := cmd.Flags().GetString("schema")

	var v any
	switch schema {
	case "native", "fms":
		v = c
	case "hf":
		v = config.FromFMSConfig(c)
	case "reference":
		v = config.FromFMSConfig(c).Reference()
	default:
		return fmt.Errorf("unknown schema %q", schema)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
