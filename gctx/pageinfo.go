/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package gctx

import (
	"encoding/binary"
	"fmt"
)

// PageInfoSize is the size of the PAGE_INFO structure.
const PageInfoSize = 0x70

// PageType is the type of a page measured by SNP_LAUNCH_UPDATE.
type PageType uint8

const (
	PageTypeNormal     PageType = 0x01
	PageTypeVmsa       PageType = 0x02
	PageTypeZero       PageType = 0x03
	PageTypeUnmeasured PageType = 0x04
	PageTypeSecrets    PageType = 0x05
	PageTypeCpuid      PageType = 0x06
)

func (t PageType) String() string {
	switch t {
	case PageTypeNormal:
		return "NORMAL"
	case PageTypeVmsa:
		return "VMSA"
	case PageTypeZero:
		return "ZERO"
	case PageTypeUnmeasured:
		return "UNMEASURED"
	case PageTypeSecrets:
		return "SECRETS"
	case PageTypeCpuid:
		return "CPUID"
	default:
		return fmt.Sprintf("PageType(%d)", uint8(t))
	}
}

// PageInfo is the structure hashed into the launch digest for every page.
//
// SEV-SNP Firmware ABI 8.17.2, Table 67: layout of the PAGE_INFO structure.
type PageInfo struct {
	CurrentDigest [LD_SIZE]byte
	Contents      [LD_SIZE]byte
	Length        uint16
	PageType      PageType
	IsIMI         uint8
	VMPL3Perms    uint8
	VMPL2Perms    uint8
	VMPL1Perms    uint8
	GPA           uint64
}

// Bytes returns the packed little-endian encoding of p.
func (p *PageInfo) Bytes() []byte {
	b := make([]byte, PageInfoSize)
	copy(b[0x00:0x30], p.CurrentDigest[:])
	copy(b[0x30:0x60], p.Contents[:])
	binary.LittleEndian.PutUint16(b[0x60:0x62], p.Length)
	b[0x62] = byte(p.PageType)
	b[0x63] = p.IsIMI
	b[0x64] = p.VMPL3Perms
	b[0x65] = p.VMPL2Perms
	b[0x66] = p.VMPL1Perms
	// 0x67 is reserved.
	binary.LittleEndian.PutUint64(b[0x68:0x70], p.GPA)
	return b
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *PageInfo) MarshalBinary() ([]byte, error) {
	return p.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *PageInfo) UnmarshalBinary(data []byte) error {
	if len(data) != PageInfoSize {
		return fmt.Errorf("page info is %d bytes, expected %d: %w", len(data), PageInfoSize, ErrInvalidSize)
	}
	copy(p.CurrentDigest[:], data[0x00:0x30])
	copy(p.Contents[:], data[0x30:0x60])
	p.Length = binary.LittleEndian.Uint16(data[0x60:0x62])
	p.PageType = PageType(data[0x62])
	p.IsIMI = data[0x63]
	p.VMPL3Perms = data[0x64]
	p.VMPL2Perms = data[0x65]
	p.VMPL1Perms = data[0x66]
	p.GPA = binary.LittleEndian.Uint64(data[0x68:0x70])
	return nil
}
