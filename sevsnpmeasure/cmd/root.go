/*
Copyright Edgeless Systems GmbH

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/virtee/sev-snp-measure-go/cpuid"
	"github.com/virtee/sev-snp-measure-go/guest"
	"github.com/virtee/sev-snp-measure-go/vmmtypes"
)

// version is set at build time with -ldflags.
var version = "dev"

type rootOptions struct {
	mode          string
	vcpus         int
	vcpuType      string
	vcpuSig       uint64
	vcpuFamily    int
	vcpuModel     int
	vcpuStepping  int
	ovmfFile      string
	kernelFile    string
	initrdFile    string
	append        string
	vmmType       vmmtypes.VMMType
	guestFeatures uint64
	varsSize      uint64
	varsFile      string
	snpOvmfHash   string
	dumpVMSA      bool
	svsmFile      string
	outputFormat  string
	verbose       bool
}

// Execute executes the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// newRootCmd creates the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{outputFormat: "hex"}

	rootCmd := &cobra.Command{
		Use:          "sevsnpmeasure",
		Short:        "Calculate AMD SEV/SEV-ES/SEV-SNP guest launch measurement",
		Long:         "Calculate AMD SEV/SEV-ES/SEV-SNP guest launch measurement.",
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMeasure(cmd, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.VarP(&modeFlag{&opts.mode}, "mode", "m", "Guest mode, either 'snp', 'seves', 'sev', 'snp:ovmf-hash' or 'snp:svsm'.")
	must(rootCmd.MarkFlagRequired("mode"))
	flags.IntVarP(&opts.vcpus, "vcpus", "v", 0, "Number of guest vCPUs.")
	flags.StringVarP(&opts.vcpuType, "vcpu-type", "t", "", "Guest vCPU type.")
	flags.StringVarP(&opts.ovmfFile, "ovmf", "o", "", "Path to OVMF binary.")
	must(rootCmd.MarkFlagRequired("ovmf"))
	flags.StringVarP(&opts.kernelFile, "kernel", "k", "", "Path to kernel binary.")
	flags.StringVarP(&opts.initrdFile, "initrd", "i", "", "Path to initrd binary.")
	flags.StringVarP(&opts.append, "append", "a", "", "Kernel command line arguments.")
	flags.Uint64VarP(&opts.vcpuSig, "vcpu-sig", "s", 0, "Guest vCPU signature.")
	flags.IntVarP(&opts.vcpuFamily, "vcpu-family", "f", 0, "Guest vCPU family.")
	flags.IntVarP(&opts.vcpuModel, "vcpu-model", "l", 0, "Guest vCPU model.")
	flags.IntVarP(&opts.vcpuStepping, "vcpu-stepping", "p", 0, "Guest vCPU stepping.")
	flags.Var(&vmmTypeFlag{&opts.vmmType}, "vmm-type", "Guest VMM type, either 'QEMU' or 'EC2'.")
	flags.Uint64Var(&opts.guestFeatures, "guest-features", guest.DefaultGuestFeatures, "The guest kernel features expected to be included.")
	flags.Uint64Var(&opts.varsSize, "vars-size", 0, "Size of the OVMF_VARS file in bytes.")
	flags.StringVar(&opts.varsFile, "vars-file", "", "Path to OVMF_VARS file.")
	rootCmd.MarkFlagsMutuallyExclusive("vars-size", "vars-file")
	flags.StringVar(&opts.snpOvmfHash, "snp-ovmf-hash", "", "Precalculated hash of the OVMF binary (hex string).")
	flags.BoolVar(&opts.dumpVMSA, "dump-vmsa", false, "Write measured VMSAs to vmsa<N>.bin (seves, snp, and snp:svsm modes only).")
	flags.StringVar(&opts.svsmFile, "svsm", "", "Path to the SVSM binary.")
	format := &choiceFlag{&opts.outputFormat, []string{"hex", "base64"}}
	flags.Var(format, "output-format", "Measurement output format: "+format.Allowed())
	flags.BoolVar(&opts.verbose, "verbose", false, "Print debug logs and label the measurement.")

	rootCmd.AddCommand(NewParseCmd())

	return rootCmd
}

func runMeasure(cmd *cobra.Command, opts *rootOptions) error {
	if opts.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	out := cmd.OutOrStdout()

	if opts.mode == ovmfHashMode {
		hash, err := guest.CalcSnpOvmfHash(opts.ovmfFile)
		if err != nil {
			return fmt.Errorf("calculating OVMF hash: %w", err)
		}
		fmt.Fprintln(out, hex.EncodeToString(hash))
		return nil
	}

	sevMode, err := guest.SevModeFromString(opts.mode)
	if err != nil {
		return err
	}

	vcpuSig, err := opts.signature(sevMode)
	if err != nil {
		return err
	}

	if sevMode == guest.SEV_SNP_SVSM {
		if opts.varsFile != "" {
			varsInfo, err := os.Stat(opts.varsFile)
			if err != nil {
				return fmt.Errorf("reading vars file: %w", err)
			}
			opts.varsSize = uint64(varsInfo.Size())
		}
		if opts.varsSize == 0 {
			return errors.New("SNP:SVSM mode requires --vars-size or --vars-file")
		}
	}

	cfg := guest.LaunchConfig{
		Mode:          sevMode,
		VCPUs:         opts.vcpus,
		VCPUSig:       vcpuSig,
		OVMFFile:      opts.ovmfFile,
		KernelFile:    opts.kernelFile,
		InitrdFile:    opts.initrdFile,
		Append:        opts.append,
		GuestFeatures: opts.guestFeatures,
		OVMFHash:      opts.snpOvmfHash,
		VMMType:       opts.vmmType,
		SVSMFile:      opts.svsmFile,
		VarsSize:      opts.varsSize,
	}
	if opts.dumpVMSA {
		cfg.DumpVMSA = guest.DumpVMSAToDir(".")
	}

	ld, err := guest.CalcLaunchDigest(cfg)
	if err != nil {
		return err
	}

	encoded := hex.EncodeToString(ld)
	if opts.outputFormat == "base64" {
		encoded = base64.StdEncoding.EncodeToString(ld)
	}
	if opts.verbose {
		fmt.Fprintf(out, "Calculated %s guest measurement: %s\n", sevMode, encoded)
	} else {
		fmt.Fprintln(out, encoded)
	}
	return nil
}

// signature picks the vCPU signature. Family, model and stepping take precedence
// over a raw signature, which takes precedence over a named vCPU type.
func (o *rootOptions) signature(mode guest.SevMode) (uint64, error) {
	switch {
	case mode == guest.SEV:
		return 0, nil
	case o.vcpuFamily != 0:
		return uint64(cpuid.CpuSig(o.vcpuFamily, o.vcpuModel, o.vcpuStepping)), nil
	case o.vcpuSig != 0:
		return o.vcpuSig, nil
	case o.vcpuType != "":
		sig, err := cpuid.Lookup(o.vcpuType)
		if err != nil {
			return 0, fmt.Errorf("%w, known types: %v", err, cpuid.Names())
		}
		return uint64(sig), nil
	default:
		return 0, fmt.Errorf("missing vcpu-type or vcpu-sig or vcpu-family in guest mode %s", mode)
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
