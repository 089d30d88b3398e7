/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package guest

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/virtee/sev-snp-measure-go/gctx"
	"github.com/virtee/sev-snp-measure-go/vmmtypes"
	"github.com/virtee/sev-snp-measure-go/vmsa"
)

var (
	// ErrKernelHashesMissing is returned when a kernel is given but the firmware can't measure it.
	ErrKernelHashesMissing = errors.New("kernel specified but OVMF metadata doesn't include SNP_KERNEL_HASHES section")
	// ErrUnsupported is returned for option combinations no pipeline implements.
	ErrUnsupported = errors.New("unsupported configuration")
)

// DefaultGuestFeatures sets only the SNPActive bit of the SEV features field.
const DefaultGuestFeatures = 0x1

var log = logrus.WithField("service", "guest")

// VMSASink receives every VMSA page in measurement order. It has no influence on the digest.
type VMSASink func(index int, page []byte) error

// LaunchConfig describes the guest whose launch digest is calculated.
type LaunchConfig struct {
	Mode    SevMode
	VCPUs   int
	VCPUSig uint64

	OVMFFile   string
	KernelFile string
	InitrdFile string
	Append     string

	// GuestFeatures is written to the SEV features field of SNP VMSAs.
	// Zero means DefaultGuestFeatures.
	GuestFeatures uint64
	// OVMFHash is a hex encoded precomputed digest of the OVMF pages. SEV-SNP only.
	OVMFHash string
	VMMType  vmmtypes.VMMType

	SVSMFile string
	// VarsSize is the size of the OVMF variable store mapped between OVMF and the SVSM.
	VarsSize uint64

	DumpVMSA VMSASink
}

// Validate checks the configuration for the selected mode.
func (c *LaunchConfig) Validate() error {
	var result *multierror.Error

	if c.OVMFFile == "" {
		result = multierror.Append(result, errors.New("missing OVMF file"))
	}
	if c.Mode != SEV && c.VCPUs < 1 {
		result = multierror.Append(result, fmt.Errorf("invalid vCPU count %d", c.VCPUs))
	}
	if c.OVMFHash != "" && c.Mode != SEV_SNP {
		result = multierror.Append(result, fmt.Errorf("precomputed OVMF hash with mode %s: %w", c.Mode, ErrUnsupported))
	}
	if c.DumpVMSA != nil && c.Mode == SEV {
		result = multierror.Append(result, fmt.Errorf("VMSA dump with mode %s: %w", c.Mode, ErrUnsupported))
	}
	if c.InitrdFile != "" && c.KernelFile == "" {
		result = multierror.Append(result, errors.New("initrd specified without a kernel"))
	}
	if c.Append != "" && c.KernelFile == "" {
		result = multierror.Append(result, errors.New("kernel command line specified without a kernel"))
	}

	if c.Mode == SEV_SNP_SVSM {
		if c.SVSMFile == "" {
			result = multierror.Append(result, errors.New("missing SVSM file"))
		}
		if c.VMMType != vmmtypes.QEMU {
			result = multierror.Append(result, fmt.Errorf("SVSM with VMM type %s: %w", c.VMMType, ErrUnsupported))
		}
		if c.KernelFile != "" {
			result = multierror.Append(result, fmt.Errorf("kernel hashes with SVSM: %w", ErrUnsupported))
		}
	}

	return result.ErrorOrNil()
}

// CalcLaunchDigest calculates the launch digest the AMD secure processor reports for a
// guest started with cfg. SEV and SEV-ES digests are 32 bytes, SNP digests 48 bytes.
func CalcLaunchDigest(cfg LaunchConfig) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debugf("Calculating %s launch digest for %d vCPUs (signature 0x%x, VMM %s)", cfg.Mode, cfg.VCPUs, cfg.VCPUSig, cfg.VMMType)

	switch cfg.Mode {
	case SEV:
		return sevCalcLaunchDigest(cfg)
	case SEV_ES:
		return sevesCalcLaunchDigest(cfg)
	case SEV_SNP:
		return snpCalcLaunchDigest(cfg)
	case SEV_SNP_SVSM:
		return svsmCalcLaunchDigest(cfg)
	default:
		return nil, fmt.Errorf("%v: %w", cfg.Mode, ErrIllegalMode)
	}
}

// foldVmsaPages hands the VMSA page of every vCPU to sink, if set, and then to fold.
func foldVmsaPages(pages vmsa.PageSource, vcpus int, sink VMSASink, fold func(page []byte) error) error {
	return pages.ForEachPage(vcpus, func(i int, page []byte) error {
		if sink != nil {
			if err := sink(i, page); err != nil {
				return fmt.Errorf("dumping VMSA page %d: %w", i, err)
			}
		}
		if err := fold(page); err != nil {
			return fmt.Errorf("updating VMSA page %d: %w", i, err)
		}
		return nil
	})
}

// updateVmsaPages measures the VMSA pages of every vCPU.
func updateVmsaPages(guestCtx *gctx.GCTX, pages vmsa.PageSource, vcpus int, sink VMSASink) error {
	return foldVmsaPages(pages, vcpus, sink, guestCtx.UpdateVmsaPage)
}
