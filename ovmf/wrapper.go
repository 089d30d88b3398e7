/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package ovmf

import (
	"fmt"
)

// MetadataWrapper holds everything needed to compute an SNP launch digest without
// access to the firmware binary itself.
type MetadataWrapper struct {
	MetadataItems     []MetadataSection `json:"metadataItems"`
	ResetEIP          uint32            `json:"resetEIP"`
	SevHashesTableGPA uint32            `json:"sevHashesTableGPA,omitempty"`
	OVMFHash          []byte            `json:"ovmfHash"`
}

// NewMetadataWrapper extracts the launch-relevant metadata from o. hash is the
// precomputed launch digest after measuring the firmware pages.
func NewMetadataWrapper(o *OVMF, hash []byte) (MetadataWrapper, error) {
	resetEIP, err := o.SevESResetEIP()
	if err != nil {
		return MetadataWrapper{}, fmt.Errorf("getting reset EIP: %w", err)
	}

	// A missing hashes table is fine, the firmware then does not support direct boot.
	var tableGPA uint32
	if o.IsSevHashesTableSupported() {
		tableGPA, err = o.SevHashesTableGPA()
		if err != nil {
			return MetadataWrapper{}, err
		}
	}

	return MetadataWrapper{
		MetadataItems:     o.MetadataItems(),
		ResetEIP:          resetEIP,
		SevHashesTableGPA: tableGPA,
		OVMFHash:          hash,
	}, nil
}
