/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

/*
- Virtual Machine Save Area (VMSA).
- Virtual Machine Control Block (VMCB).
*/
package vmsa

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SaveAreaSize is the size of a serialized SevEsSaveArea, one page.
const SaveAreaSize = 4096

// VmcbSeg represents a VMCB Segment (struct vmcb_seg in the linux kernel).
type VmcbSeg struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// VMSA page
//
// The names of the fields are taken from struct sev_es_work_area in the linux kernel:
// https://github.com/AMDESE/linux/blob/sev-snp-v12/arch/x86/include/asm/svm.h#L318
// (following the definitions in AMD APM Vol 2 Table B-4)
type SevEsSaveArea struct {
	Es               VmcbSeg
	Cs               VmcbSeg
	Ss               VmcbSeg
	Ds               VmcbSeg
	Fs               VmcbSeg
	Gs               VmcbSeg
	Gdtr             VmcbSeg
	Ldtr             VmcbSeg
	Idtr             VmcbSeg
	Tr               VmcbSeg
	Vmpl0Ssp         uint64
	Vmpl1Ssp         uint64
	Vmpl2Ssp         uint64
	Vmpl3Ssp         uint64
	UCet             uint64
	Reserved1        [2]uint8
	Vmpl             uint8
	Cpl              uint8
	Reserved2        [4]uint8
	Efer             uint64
	Reserved3        [104]uint8
	Xss              uint64
	Cr4              uint64
	Cr3              uint64
	Cr0              uint64
	Dr7              uint64
	Dr6              uint64
	Rflags           uint64
	Rip              uint64
	Dr0              uint64
	Dr1              uint64
	Dr2              uint64
	Dr3              uint64
	Dr0AddrMask      uint64
	Dr1AddrMask      uint64
	Dr2AddrMask      uint64
	Dr3AddrMask      uint64
	Reserved4        [24]uint8
	Rsp              uint64
	SCet             uint64
	Ssp              uint64
	IsstAddr         uint64
	Rax              uint64
	Star             uint64
	Lstar            uint64
	Cstar            uint64
	Sfmask           uint64
	KernelGsBase     uint64
	SysenterCs       uint64
	SysenterEsp      uint64
	SysenterEip      uint64
	Cr2              uint64
	Reserved5        [32]uint8
	GPat             uint64
	Dbgctrl          uint64
	BrFrom           uint64
	BrTo             uint64
	LastExcpFrom     uint64
	LastExcpTo       uint64
	Reserved7        [80]uint8
	Pkru             uint32
	Reserved8        [20]uint8
	Reserved9        uint64
	Rcx              uint64
	Rdx              uint64
	Rbx              uint64
	Reserved10       uint64
	Rbp              uint64
	Rsi              uint64
	Rdi              uint64
	R8               uint64
	R9               uint64
	R10              uint64
	R11              uint64
	R12              uint64
	R13              uint64
	R14              uint64
	R15              uint64
	Reserved11       [16]uint8
	GuestExitInfo1   uint64
	GuestExitInfo2   uint64
	GuestExitIntInfo uint64
	GuestNrip        uint64
	SevFeatures      uint64
	VintrCtrl        uint64
	GuestExitCode    uint64
	VirtualTom       uint64
	TlbId            uint64
	PcpuId           uint64
	EventInj         uint64
	Xcr0             uint64
	Reserved12       [16]uint8
	X87Dp            uint64
	Mxcsr            uint32
	X87Ftw           uint16
	X87Fsw           uint16
	X87Fcw           uint16
	X87Fop           uint16
	X87Ds            uint16
	X87Cs            uint16
	X87Rip           uint64
	FpregX87         [80]uint8
	FpregXmm         [256]uint8
	FpregYmm         [256]uint8
	Unused           [2448]uint8
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *SevEsSaveArea) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SaveAreaSize))
	if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
		return nil, fmt.Errorf("writing save area: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *SevEsSaveArea) UnmarshalBinary(data []byte) error {
	if len(data) != SaveAreaSize {
		return fmt.Errorf("save area is %d bytes, expected %d", len(data), SaveAreaSize)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, s)
}
