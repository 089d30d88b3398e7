/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package guest

import (
	"encoding/hex"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/virtee/sev-snp-measure-go/gctx"
	"github.com/virtee/sev-snp-measure-go/ovmf"
	"github.com/virtee/sev-snp-measure-go/sevhashes"
	"github.com/virtee/sev-snp-measure-go/vmmtypes"
	"github.com/virtee/sev-snp-measure-go/vmsa"
)

const PAGE_MASK = 0xfff

// snpInputs is everything the SNP metadata and VMSA steps need from the firmware.
type snpInputs struct {
	metadata []ovmf.MetadataSection
	resetEIP uint32
	// hashes is nil when no kernel is measured.
	hashes         *sevhashes.SevHashes
	hashesTableGPA uint32
}

// LaunchDigestFromMetadataWrapper calculates a launch digest from a MetadataWrapper object.
func LaunchDigestFromMetadataWrapper(wrapper ovmf.MetadataWrapper, guestFeatures uint64, vcpuCount int, vmmType vmmtypes.VMMType, vcpuSig uint64) ([]byte, error) {
	if len(wrapper.OVMFHash) != gctx.LD_SIZE {
		return nil, fmt.Errorf("metadata wrapper OVMF hash is %d bytes, expected %d", len(wrapper.OVMFHash), gctx.LD_SIZE)
	}
	in := snpInputs{
		metadata: wrapper.MetadataItems,
		resetEIP: wrapper.ResetEIP,
	}
	return launchDigest(wrapper.OVMFHash, in, guestFeatures, vcpuCount, vmmType, vcpuSig, nil)
}

// LaunchDigestFromOVMF calculates a launch digest from an OVMF object and an ovmfHash.
// If ovmfHash is nil, it is calculated from the OVMF pages.
func LaunchDigestFromOVMF(ovmfObj *ovmf.OVMF, guestFeatures uint64, vcpuCount int, ovmfHash []byte, vmmType vmmtypes.VMMType, vcpuSig uint64) ([]byte, error) {
	resetEIP, err := ovmfObj.SevESResetEIP()
	if err != nil {
		return nil, fmt.Errorf("getting reset EIP: %w", err)
	}
	if ovmfHash == nil {
		if ovmfHash, err = OVMFHash(ovmfObj); err != nil {
			return nil, err
		}
	}
	in := snpInputs{
		metadata: ovmfObj.MetadataItems(),
		resetEIP: resetEIP,
	}
	return launchDigest(ovmfHash, in, guestFeatures, vcpuCount, vmmType, vcpuSig, nil)
}

// OVMFHash returns the launch digest after measuring only the OVMF pages. It can be
// passed as a precomputed hash to skip hashing the firmware on later calculations.
func OVMFHash(ovmfObj *ovmf.OVMF) ([]byte, error) {
	guestCtx, err := gctx.New(nil)
	if err != nil {
		return nil, err
	}
	if err := guestCtx.UpdateNormalPages(ovmfObj.GPA(), ovmfObj.Data()); err != nil {
		return nil, fmt.Errorf("updating normal pages: %w", err)
	}
	return guestCtx.LD(), nil
}

// CalcSnpOvmfHash calculates the OVMF hash of the firmware image at filename.
func CalcSnpOvmfHash(filename string) ([]byte, error) {
	ovmfObj, err := ovmf.New(filename, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing OVMF: %w", err)
	}
	return OVMFHash(ovmfObj)
}

func snpCalcLaunchDigest(cfg LaunchConfig) ([]byte, error) {
	ovmfObj, err := ovmf.New(cfg.OVMFFile, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing OVMF: %w", err)
	}

	var seed []byte
	if cfg.OVMFHash != "" {
		seed, err = hex.DecodeString(cfg.OVMFHash)
		if err != nil {
			return nil, fmt.Errorf("decoding OVMF hash: %w", err)
		}
		log.Debugf("Using precomputed OVMF hash %s", cfg.OVMFHash)
	} else {
		seed, err = OVMFHash(ovmfObj)
		if err != nil {
			return nil, err
		}
		log.Debugf("Measured OVMF (%s) at GPA 0x%x", humanize.IBytes(uint64(len(ovmfObj.Data()))), ovmfObj.GPA())
	}

	in := snpInputs{metadata: ovmfObj.MetadataItems()}

	if cfg.KernelFile != "" {
		if !ovmfObj.HasMetadataSection(ovmf.SNPKernelHashes) {
			return nil, ErrKernelHashesMissing
		}
		in.hashesTableGPA, err = ovmfObj.SevHashesTableGPA()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKernelHashesMissing, err)
		}
		in.hashes, err = sevhashes.New(cfg.KernelFile, cfg.InitrdFile, cfg.Append)
		if err != nil {
			return nil, err
		}
	}

	in.resetEIP, err = ovmfObj.SevESResetEIP()
	if err != nil {
		return nil, fmt.Errorf("getting reset EIP: %w", err)
	}

	guestFeatures := cfg.GuestFeatures
	if guestFeatures == 0 {
		guestFeatures = DefaultGuestFeatures
	}

	return launchDigest(seed, in, guestFeatures, cfg.VCPUs, cfg.VMMType, cfg.VCPUSig, cfg.DumpVMSA)
}

// launchDigest calculates the launch digest from metadata and ovmfHash for a SNP guest.
func launchDigest(ovmfHash []byte, in snpInputs, guestFeatures uint64, vcpuCount int, vmmType vmmtypes.VMMType, vcpuSig uint64, sink VMSASink) ([]byte, error) {
	guestCtx, err := gctx.New(ovmfHash)
	if err != nil {
		return nil, fmt.Errorf("seeding guest context: %w", err)
	}

	if err := snpUpdateMetadataPages(guestCtx, in, vmmType); err != nil {
		return nil, fmt.Errorf("updating metadata pages: %w", err)
	}

	vmsaObj, err := vmsa.New(in.resetEIP, guestFeatures, vcpuSig, vmmType)
	if err != nil {
		return nil, fmt.Errorf("creating VMSA: %w", err)
	}
	if err := updateVmsaPages(guestCtx, vmsaObj, vcpuCount, sink); err != nil {
		return nil, err
	}
	return guestCtx.LD(), nil
}

func snpUpdateMetadataPages(guestCtx *gctx.GCTX, in snpInputs, vmmType vmmtypes.VMMType) error {
	for _, desc := range in.metadata {
		if err := snpUpdateSection(guestCtx, desc, in, vmmType); err != nil {
			return err
		}
	}

	// EC2 measures the CPUID pages after all other metadata sections.
	if vmmType == vmmtypes.EC2 {
		for _, desc := range in.metadata {
			if ovmf.SectionType(desc.SectionTypeInt) != ovmf.CPUID {
				continue
			}
			if err := guestCtx.UpdateCpuidPage(uint64(desc.GPA)); err != nil {
				return fmt.Errorf("updating cpuid page: %w", err)
			}
		}
	}
	return nil
}

func snpUpdateSection(guestCtx *gctx.GCTX, desc ovmf.MetadataSection, in snpInputs, vmmType vmmtypes.VMMType) error {
	st, err := desc.SectionType()
	if err != nil {
		return fmt.Errorf("getting sectionType: %w", err)
	}
	log.Debugf("Measuring %s section at GPA 0x%x (%s)", st, desc.GPA, humanize.IBytes(uint64(desc.Size)))

	switch st {
	case ovmf.SNPSECMEM, ovmf.SVSMCAA:
		if err := guestCtx.UpdateZeroPages(uint64(desc.GPA), int(desc.Size)); err != nil {
			return fmt.Errorf("updating zero pages: %w", err)
		}
	case ovmf.SNPSecrets:
		if err := guestCtx.UpdateSecretsPage(uint64(desc.GPA)); err != nil {
			return fmt.Errorf("updating secrets page: %w", err)
		}
	case ovmf.CPUID:
		if vmmType != vmmtypes.EC2 {
			if err := guestCtx.UpdateCpuidPage(uint64(desc.GPA)); err != nil {
				return fmt.Errorf("updating cpuid page: %w", err)
			}
		}
	case ovmf.SNPKernelHashes:
		if in.hashes == nil {
			if err := guestCtx.UpdateZeroPages(uint64(desc.GPA), int(desc.Size)); err != nil {
				return fmt.Errorf("updating zero pages: %w", err)
			}
			return nil
		}
		page, err := in.hashes.ConstructPage(in.hashesTableGPA & PAGE_MASK)
		if err != nil {
			return fmt.Errorf("constructing hashes page: %w", err)
		}
		if int(desc.Size) != len(page) {
			return fmt.Errorf("SNP_KERNEL_HASHES section is %d bytes, expected %d", desc.Size, len(page))
		}
		if err := guestCtx.UpdateNormalPages(uint64(desc.GPA), page); err != nil {
			return fmt.Errorf("updating hashes page: %w", err)
		}
	default:
		return fmt.Errorf("unhandled section type %s", st)
	}
	return nil
}
