/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

/*
- Guest Context (GCTX).
- VM Save Area (VMSA).
- Reverse Map Table (RMP).
- Guest Physical Address (GPA).
*/
package gctx

import (
	"crypto/sha512"
	"errors"
	"fmt"
)

const (
	VMSA_GPA  = 0xFFFFFFFFF000
	LD_SIZE   = sha512.Size384
	PAGE_SIZE = 4096
)

var (
	// ErrNotPageAligned is returned when a buffer or region length is not a multiple of PAGE_SIZE.
	ErrNotPageAligned = errors.New("length is not a multiple of 4096")
	// ErrInvalidSize is returned when a fixed-size input has the wrong length.
	ErrInvalidSize = errors.New("invalid size")
)

// zeros is the contents digest used for page types whose contents are not measured.
var zeros [LD_SIZE]byte

// GCTX represents a SNP Guest Context.
// VMSA page is recorded in the RMP table with GPA (u64)(-1).
// However, the address is page-aligned, and also all the bits above 51 are cleared.
type GCTX struct {
	// ld is the launch digest of the guest.
	ld [LD_SIZE]byte
}

// New returns a guest context seeded with seed. A nil seed starts from an all-zero digest,
// otherwise seed must be a previously computed launch digest.
func New(seed []byte) (*GCTX, error) {
	g := &GCTX{}
	if seed == nil {
		return g, nil
	}
	if len(seed) != LD_SIZE {
		return nil, fmt.Errorf("seed is %d bytes, expected %d: %w", len(seed), LD_SIZE, ErrInvalidSize)
	}
	copy(g.ld[:], seed)
	return g, nil
}

// LD returns the launch digest of the guest.
func (g *GCTX) LD() []byte {
	ld := make([]byte, LD_SIZE)
	copy(ld, g.ld[:])
	return ld
}

// update extends the current launch digest with the hash of a page.
// The hash also includes the page type, GPA, and permissions.
func (g *GCTX) update(pageType PageType, gpa uint64, contents [LD_SIZE]byte) {
	info := PageInfo{
		CurrentDigest: g.ld,
		Contents:      contents,
		Length:        PageInfoSize,
		PageType:      pageType,
		GPA:           gpa,
	}
	g.ld = sha512.Sum384(info.Bytes())
}

// UpdateVmsaPage extends the current launch digest with a VMSA page. Pagetype is set to 0x02.
func (g *GCTX) UpdateVmsaPage(data []byte) error {
	if len(data) != PAGE_SIZE {
		return fmt.Errorf("VMSA page is %d bytes: %w", len(data), ErrInvalidSize)
	}
	g.update(PageTypeVmsa, VMSA_GPA, sha512.Sum384(data))
	return nil
}

// UpdateNormalPages extends the current launch digest with the hash of data.
// The hash is generated page by page. Pagetype is set to 0x01.
func (g *GCTX) UpdateNormalPages(startGpa uint64, data []byte) error {
	if len(data)%PAGE_SIZE != 0 {
		return fmt.Errorf("data length %d: %w", len(data), ErrNotPageAligned)
	}
	for offset := 0; offset < len(data); offset += PAGE_SIZE {
		g.update(PageTypeNormal, startGpa+uint64(offset), sha512.Sum384(data[offset:offset+PAGE_SIZE]))
	}
	return nil
}

// UpdateZeroPages extends the current launch digest with lengthBytes/4096 pages that the
// hardware treats as zero-filled. Their contents are not hashed. Pagetype is set to 0x03.
func (g *GCTX) UpdateZeroPages(gpa uint64, lengthBytes int) error {
	if lengthBytes < 0 || lengthBytes%PAGE_SIZE != 0 {
		return fmt.Errorf("zero region length %d: %w", lengthBytes, ErrNotPageAligned)
	}
	for offset := 0; offset < lengthBytes; offset += PAGE_SIZE {
		g.update(PageTypeZero, gpa+uint64(offset), zeros)
	}
	return nil
}

// UpdateUnmeasuredPage extends the current launch digest with an unmeasured page. Pagetype is set to 0x04.
func (g *GCTX) UpdateUnmeasuredPage(gpa uint64) error {
	g.update(PageTypeUnmeasured, gpa, zeros)
	return nil
}

// UpdateSecretsPage extends the current launch digest with the secrets page. Pagetype is set to 0x05.
func (g *GCTX) UpdateSecretsPage(gpa uint64) error {
	g.update(PageTypeSecrets, gpa, zeros)
	return nil
}

// UpdateCpuidPage extends the current launch digest with the CPUID page. Pagetype is set to 0x06.
func (g *GCTX) UpdateCpuidPage(gpa uint64) error {
	g.update(PageTypeCpuid, gpa, zeros)
	return nil
}
