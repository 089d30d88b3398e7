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

	"github.com/google/uuid"
	"github.com/linuxboot/fiano/pkg/guid"
)

const (
	// FooterTableEntrySize is the size of the header trailing every GUID table entry.
	FooterTableEntrySize = 2 + guid.Size
	// MetadataHeaderSize is the size of the SEV metadata header.
	MetadataHeaderSize = 16
	// MetadataSectionSize is the size of a single SEV metadata section descriptor.
	MetadataSectionSize = 12

	metadataSignature = "ASEV"
	metadataVersion   = 1
)

// ErrInvalidMetadata is returned when the SEV metadata embedded in a firmware image is malformed.
var ErrInvalidMetadata = errors.New("invalid SEV metadata")

// FromEFIGUID converts a GUID stored in EFI mixed-endian byte order.
func FromEFIGUID(data []byte) (uuid.UUID, error) {
	if len(data) != guid.Size {
		return uuid.UUID{}, fmt.Errorf("GUID is %d bytes, expected %d", len(data), guid.Size)
	}
	return uuid.Parse(guid.GUID(data).String())
}

// PutEFIGUID writes u to data in EFI mixed-endian byte order.
func PutEFIGUID(data []byte, u uuid.UUID) error {
	if len(data) < guid.Size {
		return fmt.Errorf("data too small for GUID: %d < %d", len(data), guid.Size)
	}
	g, err := guid.Parse(u.String())
	if err != nil {
		return err
	}
	copy(data, g[:])
	return nil
}

// FooterTableEntry is the header stored after the data of every entry of the GUID table
// at the end of an OVMF image.
type FooterTableEntry struct {
	// Size of the entry including this header.
	Size uint16
	GUID uuid.UUID
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *FooterTableEntry) MarshalBinary() ([]byte, error) {
	data := make([]byte, FooterTableEntrySize)
	binary.LittleEndian.PutUint16(data[0:2], e.Size)
	if err := PutEFIGUID(data[2:], e.GUID); err != nil {
		return nil, err
	}
	return data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *FooterTableEntry) UnmarshalBinary(data []byte) (err error) {
	if len(data) != FooterTableEntrySize {
		return fmt.Errorf("footer table entry is %d bytes, expected %d", len(data), FooterTableEntrySize)
	}
	e.Size = binary.LittleEndian.Uint16(data[0:2])
	e.GUID, err = FromEFIGUID(data[2:FooterTableEntrySize])
	return err
}

type MetadataHeader struct {
	Signature [4]uint8
	// Size describes how big the metadata section is.
	Size    uint32
	Version uint32
	// NumItems describes how many MetadataSection items there are.
	NumItems uint32
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h *MetadataHeader) MarshalBinary() ([]byte, error) {
	data := make([]byte, MetadataHeaderSize)
	copy(data[0:4], h.Signature[:])
	binary.LittleEndian.PutUint32(data[4:8], h.Size)
	binary.LittleEndian.PutUint32(data[8:12], h.Version)
	binary.LittleEndian.PutUint32(data[12:16], h.NumItems)
	return data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *MetadataHeader) UnmarshalBinary(data []byte) error {
	if len(data) != MetadataHeaderSize {
		return fmt.Errorf("metadata header is %d bytes, expected %d", len(data), MetadataHeaderSize)
	}
	copy(h.Signature[:], data[0:4])
	h.Size = binary.LittleEndian.Uint32(data[4:8])
	h.Version = binary.LittleEndian.Uint32(data[8:12])
	h.NumItems = binary.LittleEndian.Uint32(data[12:16])
	return nil
}

func (h *MetadataHeader) Verify() error {
	if string(h.Signature[:]) != metadataSignature {
		return fmt.Errorf("wrong SEV metadata signature %q: %w", h.Signature[:], ErrInvalidMetadata)
	}
	if h.Version != metadataVersion {
		return fmt.Errorf("wrong SEV metadata version %d: %w", h.Version, ErrInvalidMetadata)
	}
	return nil
}

// MetadataSection describes a guest memory region the firmware expects to be
// populated by the VMM before launch.
type MetadataSection struct {
	GPA            uint32 `json:"gpa"`
	Size           uint32 `json:"size"`
	SectionTypeInt uint32 `json:"sectionType"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (o *MetadataSection) MarshalBinary() ([]byte, error) {
	data := make([]byte, MetadataSectionSize)
	binary.LittleEndian.PutUint32(data[0:4], o.GPA)
	binary.LittleEndian.PutUint32(data[4:8], o.Size)
	binary.LittleEndian.PutUint32(data[8:12], o.SectionTypeInt)
	return data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (o *MetadataSection) UnmarshalBinary(data []byte) error {
	if len(data) != MetadataSectionSize {
		return fmt.Errorf("metadata section is %d bytes, expected %d", len(data), MetadataSectionSize)
	}
	o.GPA = binary.LittleEndian.Uint32(data[0:4])
	o.Size = binary.LittleEndian.Uint32(data[4:8])
	o.SectionTypeInt = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

func (o *MetadataSection) SectionType() (SectionType, error) {
	st := SectionType(o.SectionTypeInt)

	switch st {
	case SNPSECMEM, SNPSecrets, CPUID, SVSMCAA, SNPKernelHashes:
		return st, nil
	default:
		return -1, fmt.Errorf("unknown OVMF metadata section type: %d", st)
	}
}
