/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package cpuid

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownCPU is returned by Lookup for CPU models missing from CpuSigs.
var ErrUnknownCPU = errors.New("unknown CPU model")

// CpuSig packs family, model and stepping into the CPUID Fn0000_0001_EAX layout.
func CpuSig(family int, model int, stepping int) int {
	var familyLow, familyHigh, modelLow, modelHigh, steppingLow int

	if family > 0xf {
		familyLow = 0xf
		familyHigh = (family - 0x0f) & 0xff
	} else {
		familyLow = family
		familyHigh = 0
	}

	modelLow = model & 0xf
	modelHigh = (model >> 4) & 0xf

	steppingLow = stepping & 0xf

	return ((familyHigh << 20) |
		(modelHigh << 16) |
		(familyLow << 8) |
		(modelLow << 4) |
		steppingLow)
}

// CpuSigs maps QEMU CPU model names to their signatures.
var CpuSigs = map[string]int{
	"EPYC":          CpuSig(23, 1, 2),
	"EPYC-v1":       CpuSig(23, 1, 2),
	"EPYC-v2":       CpuSig(23, 1, 2),
	"EPYC-IBPB":     CpuSig(23, 1, 2),
	"EPYC-v3":       CpuSig(23, 1, 2),
	"EPYC-v4":       CpuSig(23, 1, 2),
	"EPYC-Rome":     CpuSig(23, 49, 0),
	"EPYC-Rome-v1":  CpuSig(23, 49, 0),
	"EPYC-Rome-v2":  CpuSig(23, 49, 0),
	"EPYC-Rome-v3":  CpuSig(23, 49, 0),
	"EPYC-Milan":    CpuSig(25, 1, 1),
	"EPYC-Milan-v1": CpuSig(25, 1, 1),
	"EPYC-Milan-v2": CpuSig(25, 1, 1),
	"EPYC-Genoa":    CpuSig(25, 17, 0),
	"EPYC-Genoa-v1": CpuSig(25, 17, 0),
	"EPYC-Genoa-v2": CpuSig(25, 17, 0),
}

func Lookup(name string) (int, error) {
	sig, ok := CpuSigs[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownCPU)
	}
	return sig, nil
}

// Names returns the known CPU model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(CpuSigs))
	for name := range CpuSigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
