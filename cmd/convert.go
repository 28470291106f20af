package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fmsgo/fms/convert"
	"github.com/fmsgo/fms/progress"
)

func NewConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert SRC DST",
		Short: "Convert a checkpoint between the native and Hugging Face layouts",
		Long: `Convert reads a native (fms), Meta or Hugging Face checkpoint from SRC, a
directory or zip archive, and writes the checkpoint in the other layout to
DST. Native and Meta checkpoints become Hugging Face checkpoints; Hugging
Face checkpoints become native ones.`,
		Args: cobra.ExactArgs(2),
		RunE: convertHandler,
	}

	cmd.Flags().String("source", "", "Naming convention of SRC: fms, meta or hf (default fms)")
	cmd.Flags().String("dtype", string(convert.DTypeF32), "Element type of the written matrices: F32 or F16")
	return cmd
}

func openSource(path string) (fs.FS, func(), error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}

	if !fi.IsDir() {
		if strings.EqualFold(filepath.Ext(path), ".zip") {
			return convert.OpenZip(path)
		}

		return nil, nil, fmt.Errorf("%s: expected a directory or zip archive", path)
	}

	return convert.DirFS(path), func() {}, nil
}

func convertHandler(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	dtype, _ := cmd.Flags().GetString("dtype")

	switch d := convert.DType(strings.ToUpper(dtype)); d {
	case convert.DTypeF32, convert.DTypeF16:
		dtype = string(d)
	default:
		return fmt.Errorf("unsupported dtype %q", dtype)
	}

	if _, err := os.Stat(args[1]); err == nil {
		return fmt.Errorf("%s already exists", args[1])
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	fsys, closer, err := openSource(args[0])
	if err != nil {
		return err
	}
	defer closer()

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner("reading checkpoint")
	p.Add(spinner)

	var bar *progress.StepBar
	err = convert.ConvertModel(fsys, args[1], convert.Options{
		Source: source,
		DType:  convert.DType(dtype),
		Progress: func(layer, total int) {
			if bar == nil {
				spinner.Stop()
				bar = progress.NewStepBar("translating", total)
				p.Add(bar)
			}
			bar.Set(layer)
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "wrote", filepath.Join(args[1], "model.safetensors"))
	return nil
}
