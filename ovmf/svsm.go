/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package ovmf

import (
	"fmt"
)

// SVSM is a Secure VM Service Module image. It uses the same footer table and
// SEV metadata layout as OVMF.
type SVSM struct {
	*OVMF
}

// NewSVSM reads the SVSM image at filename, placed so that it ends at end.
func NewSVSM(filename string, end uint64) (*SVSM, error) {
	o, err := New(filename, end)
	if err != nil {
		return nil, err
	}
	return &SVSM{OVMF: o}, nil
}

// ParseSVSM parses an SVSM image held in memory.
func ParseSVSM(data []byte, end uint64) (*SVSM, error) {
	o, err := Parse(data, end)
	if err != nil {
		return nil, err
	}
	return &SVSM{OVMF: o}, nil
}

// SevESResetEIP returns the SVSM entry point, which is stored as an offset from the
// start of the image.
func (s *SVSM) SevESResetEIP() (uint32, error) {
	offset, err := s.tableUint32(svsmInfoGUID, "SVSM_INFO_GUID")
	if err != nil {
		return 0, err
	}
	eip := s.GPA() + uint64(offset)
	if eip > 0xffffffff {
		return 0, fmt.Errorf("SVSM entry point 0x%x does not fit in 32 bits", eip)
	}
	return uint32(eip), nil
}
