/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package sevhashes

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/linuxboot/fiano/pkg/guid"
	"github.com/sirupsen/logrus"
)

const (
	SHA256_DIGEST_SIZE = sha256.Size
	PAGE_SIZE          = 4096

	// SevHashTableEntrySize is the size of one serialized table entry.
	SevHashTableEntrySize = guid.Size + 2 + SHA256_DIGEST_SIZE
	// SevHashTableSize is the size of the serialized table without padding.
	SevHashTableSize = guid.Size + 2 + 3*SevHashTableEntrySize
	// PaddedSevHashTableSize is SevHashTableSize rounded up to 16 bytes.
	PaddedSevHashTableSize = (SevHashTableSize + 15) &^ 15
)

var (
	SEV_HASH_TABLE_HEADER_GUID = guid.MustParse("9438d606-4f22-4cc9-b479-a793d411fd21")
	SEV_KERNEL_ENTRY_GUID      = guid.MustParse("4de79437-abd2-427f-b835-d5b172d2045b")
	SEV_INITRD_ENTRY_GUID      = guid.MustParse("44baf731-3a2f-4bd7-9af1-41e29169781d")
	SEV_CMDLINE_ENTRY_GUID     = guid.MustParse("97d02dd8-bd20-4c94-aa78-e7714d36ab2a")
)

var log = logrus.WithField("service", "sevhashes")

type Sha256Hash [SHA256_DIGEST_SIZE]byte

// SevHashes holds the hashes of the direct boot components the firmware verifies
// before handing over control to the kernel.
type SevHashes struct {
	KernelHash  Sha256Hash
	InitrdHash  Sha256Hash
	CmdlineHash Sha256Hash
}

// New hashes the kernel and initrd files and the kernel command line. An empty initrd
// path hashes as an empty file.
func New(kernel, initrd, append string) (*SevHashes, error) {
	kernelHash, err := hashFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("hashing kernel: %w", err)
	}

	initrdHash := sha256.Sum256(nil)
	if initrd != "" {
		initrdHash, err = hashFile(initrd)
		if err != nil {
			return nil, fmt.Errorf("hashing initrd: %w", err)
		}
	}

	sh := &SevHashes{
		KernelHash:  kernelHash,
		InitrdHash:  initrdHash,
		CmdlineHash: hashCmdline(append),
	}
	log.Debugf("Kernel hash %x, initrd hash %x, cmdline hash %x", sh.KernelHash, sh.InitrdHash, sh.CmdlineHash)
	return sh, nil
}

// FromBytes hashes direct boot components held in memory.
func FromBytes(kernel, initrd []byte, append string) *SevHashes {
	return &SevHashes{
		KernelHash:  sha256.Sum256(kernel),
		InitrdHash:  sha256.Sum256(initrd),
		CmdlineHash: hashCmdline(append),
	}
}

// hashCmdline hashes the NUL-terminated kernel command line.
func hashCmdline(cmdline string) Sha256Hash {
	return sha256.Sum256(append([]byte(cmdline), 0))
}

type SevHashTableEntry struct {
	GUID   guid.GUID
	Length uint16
	Hash   Sha256Hash
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *SevHashTableEntry) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, SevHashTableEntrySize)
	data = append(data, e.GUID[:]...)
	data = binary.LittleEndian.AppendUint16(data, e.Length)
	data = append(data, e.Hash[:]...)
	return data, nil
}

// SevHashTable is the table OVMF reads from the page at the SEV hash table GPA.
// Entries are stored in the order cmdline, initrd, kernel.
type SevHashTable struct {
	GUID    guid.GUID
	Length  uint16
	Cmdline SevHashTableEntry
	Initrd  SevHashTableEntry
	Kernel  SevHashTableEntry
}

// MarshalBinary implements encoding.BinaryMarshaler. The result is padded with zeros
// to a multiple of 16 bytes.
func (t *SevHashTable) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, PaddedSevHashTableSize)
	data = append(data, t.GUID[:]...)
	data = binary.LittleEndian.AppendUint16(data, t.Length)
	for _, e := range []*SevHashTableEntry{&t.Cmdline, &t.Initrd, &t.Kernel} {
		raw, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		data = append(data, raw...)
	}
	return append(data, make([]byte, PaddedSevHashTableSize-len(data))...), nil
}

func newEntry(g *guid.GUID, hash Sha256Hash) SevHashTableEntry {
	return SevHashTableEntry{
		GUID:   *g,
		Length: SevHashTableEntrySize,
		Hash:   hash,
	}
}

// Table returns the hash table for sh.
func (sh *SevHashes) Table() SevHashTable {
	return SevHashTable{
		GUID:    *SEV_HASH_TABLE_HEADER_GUID,
		Length:  SevHashTableSize,
		Cmdline: newEntry(SEV_CMDLINE_ENTRY_GUID, sh.CmdlineHash),
		Initrd:  newEntry(SEV_INITRD_ENTRY_GUID, sh.InitrdHash),
		Kernel:  newEntry(SEV_KERNEL_ENTRY_GUID, sh.KernelHash),
	}
}

// ConstructTable returns the padded binary hash table.
func (sh *SevHashes) ConstructTable() ([]byte, error) {
	ht := sh.Table()
	return ht.MarshalBinary()
}

// ConstructPage returns a zero page with the hash table placed at offset.
func (sh *SevHashes) ConstructPage(offset uint32) ([]byte, error) {
	if offset >= PAGE_SIZE {
		return nil, fmt.Errorf("offset 0x%x must be less than 0x%x", offset, PAGE_SIZE)
	}

	hashesTable, err := sh.ConstructTable()
	if err != nil {
		return nil, err
	}
	if int(offset)+len(hashesTable) > PAGE_SIZE {
		return nil, fmt.Errorf("hash table of %d bytes at offset 0x%x exceeds the page", len(hashesTable), offset)
	}

	page := make([]byte, PAGE_SIZE)
	copy(page[offset:], hashesTable)
	return page, nil
}

func hashFile(filename string) (Sha256Hash, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Sha256Hash{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Sha256Hash{}, err
	}

	var hash Sha256Hash
	copy(hash[:], h.Sum(nil))
	return hash, nil
}
