/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package vmmtypes

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownVMMType is returned for VMM names and values that are not supported.
var ErrUnknownVMMType = errors.New("unknown VMM type")

// VMMType is the virtual machine monitor that launches the guest. It determines
// the initial register values the VMM programs into the VMSA.
type VMMType int

const (
	QEMU VMMType = iota
	EC2
)

func (t VMMType) String() string {
	switch t {
	case QEMU:
		return "QEMU"
	case EC2:
		return "EC2"
	default:
		return fmt.Sprintf("VMMType(%d)", int(t))
	}
}

// VMMTypeFromString returns the VMMType for the given name, ignoring case.
func VMMTypeFromString(s string) (VMMType, error) {
	switch strings.ToUpper(s) {
	case QEMU.String():
		return QEMU, nil
	case EC2.String():
		return EC2, nil
	default:
		return -1, fmt.Errorf("%q: %w", s, ErrUnknownVMMType)
	}
}
