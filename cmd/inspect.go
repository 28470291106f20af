package cmd

import (
	"fmt"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/fmsgo/fms/convert"
	"github.com/fmsgo/fms/format"
)

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "List the tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	fsys, closer, err := openSource(args[0])
	if err != nil {
		return err
	}
	defer closer()

	ts, err := convert.ReadTensors(fsys)
	if err != nil {
		return err
	}

	names := maps.Keys(ts)
	slices.Sort(names)

	var data [][]string
	var params uint64
	for _, name := range names {
		t := ts[name]
		params += uint64(t.Len())
		data = append(data, []string{name, format.Shape(t.Shape), format.HumanNumber(uint64(t.Len())), format.HumanBytes(int64(t.Len()) * 4)})
	}

	w := cmd.OutOrStdout()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "SHAPE", "PARAMS", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\n%d tensors, %s parameters\n", len(names), format.HumanNumber(params))
	return nil
}
