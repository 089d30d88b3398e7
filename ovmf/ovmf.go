/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package ovmf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type SectionType int

const (
	SNPSECMEM SectionType = iota + 1
	SNPSecrets
	CPUID
	SVSMCAA
	SNPKernelHashes SectionType = 0x10

	FOUR_GB                 = 0x100000000
	OVMF_TABLE_FOOTER_GUID  = "96b582de-1fb2-45f7-baea-a366c55a082d"
	SEV_HASH_TABLE_RV_GUID  = "7255371f-3a3b-4b04-927b-1da6efa8d454"
	SEV_ES_RESET_BLOCK_GUID = "00f771de-1a7e-4fcb-890e-68c77e2fb44e"
	OVMF_SEV_META_DATA_GUID = "dc886566-984a-4798-a75e-5585a7bf67cc"
	SVSM_INFO_GUID          = "a789a612-0597-4c4b-a49f-cbb1fe9d1ddd"
)

func (s SectionType) String() string {
	switch s {
	case SNPSECMEM:
		return "SNP_SEC_MEM"
	case SNPSecrets:
		return "SNP_SECRETS"
	case CPUID:
		return "CPUID"
	case SVSMCAA:
		return "SVSM_CAA"
	case SNPKernelHashes:
		return "SNP_KERNEL_HASHES"
	default:
		return fmt.Sprintf("SectionType(%d)", int(s))
	}
}

// ErrGUIDNotFound is returned when a GUID table entry required by a lookup is absent.
var ErrGUIDNotFound = errors.New("GUID not found in table")

var (
	footerGUID       = uuid.MustParse(OVMF_TABLE_FOOTER_GUID)
	sevMetadataGUID  = uuid.MustParse(OVMF_SEV_META_DATA_GUID)
	sevHashTableGUID = uuid.MustParse(SEV_HASH_TABLE_RV_GUID)
	sevESResetGUID   = uuid.MustParse(SEV_ES_RESET_BLOCK_GUID)
	svsmInfoGUID     = uuid.MustParse(SVSM_INFO_GUID)
)

// footerEndOffset is the number of bytes between the end of the GUID table footer and
// the end of the image. OVMF keeps the reset vector in the last 32 bytes.
const footerEndOffset = 32

var log = logrus.WithField("service", "ovmf")

type OVMF struct {
	data          []byte
	gpa           uint64
	table         map[uuid.UUID][]byte
	metadataItems []MetadataSection
}

// New reads and parses the firmware image at filename. The image is placed so that it
// ends at the guest physical address end, or at 4 GiB if end is 0.
func New(filename string, end uint64) (*OVMF, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data, end)
}

// Parse parses a firmware image held in memory. See New for the meaning of end.
func Parse(data []byte, end uint64) (*OVMF, error) {
	if end == 0 {
		end = FOUR_GB
	}
	if uint64(len(data)) > end {
		return nil, fmt.Errorf("image of %d bytes does not fit below 0x%x", len(data), end)
	}

	ovmf := &OVMF{
		data: data,
		gpa:  end - uint64(len(data)),
	}
	log.Debugf("Parsing firmware image (%s) at GPA 0x%x", humanize.IBytes(uint64(len(data))), ovmf.gpa)

	if err := ovmf.parseFooterTable(); err != nil {
		return nil, fmt.Errorf("parsing footer table: %w", err)
	}

	if err := ovmf.parseSevMetadata(); err != nil {
		return nil, fmt.Errorf("parsing SEV metadata: %w", err)
	}

	return ovmf, nil
}

func (o *OVMF) Data() []byte {
	return o.data
}

// GPA returns the guest physical address the image is loaded at.
func (o *OVMF) GPA() uint64 {
	return o.gpa
}

func (o *OVMF) TableItem(guid string) ([]byte, error) {
	u, err := uuid.Parse(guid)
	if err != nil {
		return nil, fmt.Errorf("parsing GUID %q: %w", guid, err)
	}
	return o.tableItem(u)
}

func (o *OVMF) tableItem(u uuid.UUID) ([]byte, error) {
	if item, ok := o.table[u]; ok {
		return item, nil
	}
	return nil, fmt.Errorf("%s: %w", u, ErrGUIDNotFound)
}

// tableUint32 reads the little-endian uint32 at the start of a table entry.
func (o *OVMF) tableUint32(u uuid.UUID, name string) (uint32, error) {
	item, err := o.tableItem(u)
	if err != nil {
		return 0, fmt.Errorf("can't find %s entry in OVMF table: %w", name, err)
	}
	if len(item) < 4 {
		return 0, fmt.Errorf("invalid %s item size %d, expected at least 4", name, len(item))
	}
	return binary.LittleEndian.Uint32(item[:4]), nil
}

func (o *OVMF) MetadataItems() []MetadataSection {
	return o.metadataItems
}

// HasMetadataSection reports whether any metadata section has the given type.
func (o *OVMF) HasMetadataSection(sectionType SectionType) bool {
	for _, item := range o.metadataItems {
		if SectionType(item.SectionTypeInt) == sectionType {
			return true
		}
	}
	return false
}

func (o *OVMF) SevESResetEIP() (uint32, error) {
	return o.tableUint32(sevESResetGUID, "SEV_ES_RESET_BLOCK_GUID")
}

// SevHashesTableGPA returns the GPA at which the firmware expects the kernel hashes table.
func (o *OVMF) SevHashesTableGPA() (uint32, error) {
	gpa, err := o.tableUint32(sevHashTableGUID, "SEV_HASH_TABLE_RV_GUID")
	if err != nil {
		return 0, err
	}
	if gpa == 0 {
		return 0, errors.New("SEV_HASH_TABLE_RV_GUID entry has a zero GPA")
	}
	return gpa, nil
}

// IsSevHashesTableSupported reports whether the firmware declares a nonzero kernel hashes table GPA.
func (o *OVMF) IsSevHashesTableSupported() bool {
	_, err := o.SevHashesTableGPA()
	return err == nil
}

func (o *OVMF) parseFooterTable() error {
	o.table = make(map[uuid.UUID][]byte)

	footerTableStartIdx := len(o.data) - footerEndOffset - FooterTableEntrySize
	if footerTableStartIdx < 0 {
		log.Debugf("Image too small for a GUID table footer")
		return nil
	}

	var footer FooterTableEntry
	if err := footer.UnmarshalBinary(o.data[footerTableStartIdx : footerTableStartIdx+FooterTableEntrySize]); err != nil {
		return fmt.Errorf("parsing footer entry: %w", err)
	}
	if footer.GUID != footerGUID {
		log.Debugf("No GUID table footer found, image has no GUIDed tables")
		return nil
	}
	return o.parseTableEntries(footerTableStartIdx, footer)
}

func (o *OVMF) parseTableEntries(footerTableStartIdx int, footer FooterTableEntry) error {
	if footer.Size < FooterTableEntrySize {
		log.Debugf("GUID table footer declares %d bytes, treating the table as empty", footer.Size)
		return nil
	}
	tableSize := int(footer.Size) - FooterTableEntrySize
	tableStartIdx := footerTableStartIdx - tableSize
	if err := checkRange(len(o.data), tableStartIdx, footerTableStartIdx); err != nil {
		return fmt.Errorf("GUID table of %d bytes: %w", tableSize, err)
	}

	tableBytes := o.data[tableStartIdx:footerTableStartIdx]

	for len(tableBytes) >= FooterTableEntrySize {
		var entry FooterTableEntry
		if err := entry.UnmarshalBinary(tableBytes[len(tableBytes)-FooterTableEntrySize:]); err != nil {
			return fmt.Errorf("parsing table entry: %w", err)
		}

		if entry.Size < FooterTableEntrySize {
			return fmt.Errorf("invalid entry size %d for GUID %s", entry.Size, entry.GUID)
		}
		if err := checkRange(len(tableBytes), len(tableBytes)-int(entry.Size), len(tableBytes)); err != nil {
			return fmt.Errorf("entry %s of %d bytes: %w", entry.GUID, entry.Size, err)
		}

		entryData := tableBytes[len(tableBytes)-int(entry.Size) : len(tableBytes)-FooterTableEntrySize]
		log.Debugf("GUID table entry %s: %d bytes", entry.GUID, len(entryData))

		o.table[entry.GUID] = entryData
		tableBytes = tableBytes[:len(tableBytes)-int(entry.Size)]
	}

	return nil
}

func (o *OVMF) parseSevMetadata() error {
	o.metadataItems = make([]MetadataSection, 0)

	entry, ok := o.table[sevMetadataGUID]
	if !ok {
		return nil
	}
	if len(entry) < 4 {
		return fmt.Errorf("metadata offset entry is %d bytes: %w", len(entry), ErrInvalidMetadata)
	}

	offsetFromEnd := binary.LittleEndian.Uint32(entry[:4])
	headerStartIdx := len(o.data) - int(offsetFromEnd)
	if err := checkRange(len(o.data), headerStartIdx, headerStartIdx+MetadataHeaderSize); err != nil {
		return fmt.Errorf("metadata header at offset %d from end: %w", offsetFromEnd, err)
	}

	var header MetadataHeader
	if err := header.UnmarshalBinary(o.data[headerStartIdx : headerStartIdx+MetadataHeaderSize]); err != nil {
		return err
	}
	if err := header.Verify(); err != nil {
		return fmt.Errorf("verifying header: %w", err)
	}

	itemsStartIdx := headerStartIdx + MetadataHeaderSize
	itemsEndIdx := itemsStartIdx + int(header.NumItems)*MetadataSectionSize
	if int(header.Size) < itemsEndIdx-headerStartIdx {
		return fmt.Errorf("metadata size %d too small for %d items: %w", header.Size, header.NumItems, ErrInvalidMetadata)
	}
	if err := checkRange(len(o.data), itemsStartIdx, itemsEndIdx); err != nil {
		return fmt.Errorf("metadata items: %w", err)
	}

	for offset := itemsStartIdx; offset < itemsEndIdx; offset += MetadataSectionSize {
		var item MetadataSection
		if err := item.UnmarshalBinary(o.data[offset : offset+MetadataSectionSize]); err != nil {
			return fmt.Errorf("reading MetadataSection at idx %x: %w", offset, err)
		}
		st, err := item.SectionType()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
		}
		log.Debugf("SEV metadata section %s: GPA 0x%x, %s", st, item.GPA, humanize.IBytes(uint64(item.Size)))

		o.metadataItems = append(o.metadataItems, item)
	}

	return nil
}
