/*
Copyright Edgeless Systems GmbH

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/virtee/sev-snp-measure-go/guest"
	"github.com/virtee/sev-snp-measure-go/ovmf"
)

type parseOptions struct {
	output string
	format string
}

func NewParseCmd() *cobra.Command {
	opts := &parseOptions{format: "json"}

	cmd := &cobra.Command{
		Use:   "parse-metadata <ovmf binary>",
		Short: "Show metadata from a OVMF binary",
		Long:  "Show metadata from a OVMF binary, optionally write data to JSON file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return parseMetadata(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "path to output JSON, prints to stdout if not set")
	format := &choiceFlag{&opts.format, []string{"json", "table"}}
	cmd.Flags().Var(format, "format", "output format: "+format.Allowed())

	return cmd
}

func parseMetadata(cmd *cobra.Command, path string, opts *parseOptions) error {
	ovmfObj, err := ovmf.New(path, 0)
	if err != nil {
		return fmt.Errorf("creating OVMF object: %w", err)
	}

	hash, err := guest.OVMFHash(ovmfObj)
	if err != nil {
		return fmt.Errorf("calculating OVMF hash: %w", err)
	}

	metadata, err := ovmf.NewMetadataWrapper(ovmfObj, hash)
	if err != nil {
		return fmt.Errorf("creating metadata wrapper: %w", err)
	}

	if opts.format == "table" {
		renderMetadata(cmd.OutOrStdout(), metadata)
		return nil
	}

	data, err := json.Marshal(&metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	if opts.output == "" {
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("writing to file: %w", err)
	}
	return nil
}

func renderMetadata(out io.Writer, metadata ovmf.MetadataWrapper) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle("SEV Metadata Sections")
	t.AppendHeader(table.Row{"#", "Type", "GPA", "Size"})
	for i, item := range metadata.MetadataItems {
		t.AppendRow(table.Row{
			i,
			ovmf.SectionType(item.SectionTypeInt),
			fmt.Sprintf("0x%08x", item.GPA),
			humanize.IBytes(uint64(item.Size)),
		})
	}
	t.Render()

	fmt.Fprintf(out, "Reset EIP: 0x%08x\n", metadata.ResetEIP)
	if metadata.SevHashesTableGPA != 0 {
		fmt.Fprintf(out, "Hashes table GPA: 0x%08x\n", metadata.SevHashesTableGPA)
	}
	fmt.Fprintf(out, "OVMF hash: %s\n", hex.EncodeToString(metadata.OVMFHash))
}
