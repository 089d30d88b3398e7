/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package vmsa

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/virtee/sev-snp-measure-go/vmmtypes"
)

const (
	BspEIP uint32 = 0xfffffff0
)

// ErrNoApSaveArea is returned when more than one vCPU is requested but no AP reset address is known.
var ErrNoApSaveArea = errors.New("no AP save area for vCPUs beyond the first")

var log = logrus.WithField("service", "vmsa")

// PageFunc is called for every VMSA page in vCPU order.
type PageFunc func(index int, page []byte) error

// PageSource produces the initial VMSA pages of a guest.
type PageSource interface {
	ForEachPage(vcpus int, fn PageFunc) error
}

// BuildSaveArea returns the initial register state of a vCPU starting at eip.
// The segment attributes and FPU defaults depend on the VMM.
func BuildSaveArea(eip uint32, sevFeatures uint64, vcpuSig uint64, vmmType vmmtypes.VMMType) (SevEsSaveArea, error) {
	var csFlags, ssFlags, trFlags uint16
	var rdx uint64
	var mxcsr uint32
	var fcw uint16

	switch vmmType {
	case vmmtypes.QEMU:
		csFlags = 0x9b
		ssFlags = 0x93
		trFlags = 0x8b
		rdx = vcpuSig
		mxcsr = 0x1f80
		fcw = 0x37f
	case vmmtypes.EC2:
		csFlags = 0x9b
		if eip == BspEIP {
			csFlags = 0x9a
		}
		ssFlags = 0x92
		trFlags = 0x83
	default:
		return SevEsSaveArea{}, fmt.Errorf("%v: %w", vmmType, vmmtypes.ErrUnknownVMMType)
	}

	return SevEsSaveArea{
		Es:          VmcbSeg{0, 0x93, 0xffff, 0},
		Cs:          VmcbSeg{0xf000, csFlags, 0xffff, uint64(eip & 0xffff0000)},
		Ss:          VmcbSeg{0, ssFlags, 0xffff, 0},
		Ds:          VmcbSeg{0, 0x93, 0xffff, 0},
		Fs:          VmcbSeg{0, 0x93, 0xffff, 0},
		Gs:          VmcbSeg{0, 0x93, 0xffff, 0},
		Gdtr:        VmcbSeg{0, 0, 0xffff, 0},
		Idtr:        VmcbSeg{0, 0, 0xffff, 0},
		Ldtr:        VmcbSeg{0, 0x82, 0xffff, 0},
		Tr:          VmcbSeg{0, trFlags, 0xffff, 0},
		Efer:        0x1000, // KVM enables EFER_SVME.
		Cr4:         0x40,   // KVM enables X86_CR4_MCE.
		Cr0:         0x10,
		Dr7:         0x400,
		Dr6:         0xffff0ff0,
		Rflags:      0x2,
		Rip:         uint64(eip & 0xffff),
		GPat:        0x7040600070406, // PAT MSR: See AMD APM Vol 2, Section A.3.
		Rdx:         rdx,
		SevFeatures: sevFeatures,
		Xcr0:        0x1,
		Mxcsr:       mxcsr,
		X87Fcw:      fcw,
	}, nil
}

// VMSA holds the save areas of the bootstrap processor and the application processors.
type VMSA struct {
	Bsp SevEsSaveArea
	// Ap is nil if the firmware has no AP reset vector.
	Ap *SevEsSaveArea
}

// New builds the BSP save area and, if apEip is nonzero, the save area shared by all APs.
func New(apEip uint32, sevFeatures uint64, vcpuSig uint64, vmmType vmmtypes.VMMType) (VMSA, error) {
	bsp, err := BuildSaveArea(BspEIP, sevFeatures, vcpuSig, vmmType)
	if err != nil {
		return VMSA{}, err
	}
	v := VMSA{Bsp: bsp}
	if apEip != 0 {
		ap, err := BuildSaveArea(apEip, sevFeatures, vcpuSig, vmmType)
		if err != nil {
			return VMSA{}, err
		}
		v.Ap = &ap
	}
	log.Debugf("Built VMSA for %s: AP EIP 0x%x, SEV features 0x%x", vmmType, apEip, sevFeatures)
	return v, nil
}

// ForEachPage calls fn with the BSP page followed by vcpus-1 AP pages.
func (v VMSA) ForEachPage(vcpus int, fn PageFunc) error {
	if vcpus < 1 {
		return fmt.Errorf("invalid vCPU count %d", vcpus)
	}
	if vcpus > 1 && v.Ap == nil {
		return fmt.Errorf("%d vCPUs: %w", vcpus, ErrNoApSaveArea)
	}

	bspPage, err := v.Bsp.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling BSP save area: %w", err)
	}
	if err := fn(0, bspPage); err != nil {
		return err
	}
	if vcpus == 1 {
		return nil
	}

	apPage, err := v.Ap.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling AP save area: %w", err)
	}
	for i := 1; i < vcpus; i++ {
		if err := fn(i, apPage); err != nil {
			return err
		}
	}
	return nil
}

// Pages returns the VMSA pages for vcpus vCPUs.
func (v VMSA) Pages(vcpus int) ([][]byte, error) {
	return collect(v, vcpus)
}

// SVSM is the VMSA used by every vCPU of a guest booted through an SVSM.
type SVSM struct {
	SaveArea SevEsSaveArea
}

// NewSVSM builds the SVSM save area entering at eip. SVSM guests always run with
// the SNP-active feature bit only.
func NewSVSM(eip uint32, vcpuSig uint64, vmmType vmmtypes.VMMType) (SVSM, error) {
	saveArea, err := BuildSaveAreaSVSM(eip, 0x1, vcpuSig, vmmType)
	if err != nil {
		return SVSM{}, err
	}
	return SVSM{SaveArea: saveArea}, nil
}

// BuildSaveAreaSVSM returns a save area with flat 32-bit protected mode segments.
func BuildSaveAreaSVSM(eip uint32, sevFeatures uint64, vcpuSig uint64, vmmType vmmtypes.VMMType) (SevEsSaveArea, error) {
	var mxcsr uint32
	var fcw uint16

	switch vmmType {
	case vmmtypes.QEMU:
		mxcsr = 0x1f80
		fcw = 0x37f
	case vmmtypes.EC2:
	default:
		return SevEsSaveArea{}, fmt.Errorf("%v: %w", vmmType, vmmtypes.ErrUnknownVMMType)
	}

	return SevEsSaveArea{
		Es:          VmcbSeg{16, 0xc93, 0xffffffff, 0},
		Cs:          VmcbSeg{8, 0xc9b, 0xffffffff, 0},
		Ss:          VmcbSeg{16, 0xc93, 0xffffffff, 0},
		Ds:          VmcbSeg{16, 0xc93, 0xffffffff, 0},
		Fs:          VmcbSeg{16, 0xc93, 0xffffffff, 0},
		Gs:          VmcbSeg{0, 0x093, 0xffff, 0},
		Gdtr:        VmcbSeg{0, 0, 0xffff, 0},
		Idtr:        VmcbSeg{0, 0, 0xffff, 0},
		Ldtr:        VmcbSeg{0, 0x82, 0xffff, 0},
		Tr:          VmcbSeg{0, 0x8b, 0xffff, 0},
		Efer:        0x1000,
		Cr4:         0x40,
		Cr0:         0x11, // Protected mode.
		Dr7:         0x400,
		Dr6:         0xffff0ff0,
		Rflags:      0x2,
		Rip:         uint64(eip),
		GPat:        0x7040600070406,
		Rdx:         vcpuSig,
		SevFeatures: sevFeatures,
		Xcr0:        0x1,
		Mxcsr:       mxcsr,
		X87Fcw:      fcw,
	}, nil
}

// ForEachPage calls fn with the same page for every vCPU.
func (v SVSM) ForEachPage(vcpus int, fn PageFunc) error {
	if vcpus < 1 {
		return fmt.Errorf("invalid vCPU count %d", vcpus)
	}
	page, err := v.SaveArea.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling SVSM save area: %w", err)
	}
	for i := 0; i < vcpus; i++ {
		if err := fn(i, page); err != nil {
			return err
		}
	}
	return nil
}

func (v SVSM) Pages(vcpus int) ([][]byte, error) {
	return collect(v, vcpus)
}

func collect(src PageSource, vcpus int) ([][]byte, error) {
	var result [][]byte
	err := src.ForEachPage(vcpus, func(_ int, page []byte) error {
		result = append(result, page)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
