/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package guest

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/virtee/sev-snp-measure-go/ovmf"
	"github.com/virtee/sev-snp-measure-go/sevhashes"
	"github.com/virtee/sev-snp-measure-go/vmsa"
)

// sevLaunchHash starts the SHA-256 launch measurement shared by SEV and SEV-ES
// with the firmware and, if a kernel is given, the hashes table.
func sevLaunchHash(cfg LaunchConfig) (hash.Hash, *ovmf.OVMF, error) {
	ovmfObj, err := ovmf.New(cfg.OVMFFile, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing OVMF: %w", err)
	}

	launchHash := sha256.New()
	launchHash.Write(ovmfObj.Data())

	if cfg.KernelFile != "" {
		if !ovmfObj.IsSevHashesTableSupported() {
			return nil, nil, fmt.Errorf("%w: OVMF has no SEV hashes table", ErrKernelHashesMissing)
		}
		hashes, err := sevhashes.New(cfg.KernelFile, cfg.InitrdFile, cfg.Append)
		if err != nil {
			return nil, nil, err
		}
		table, err := hashes.ConstructTable()
		if err != nil {
			return nil, nil, fmt.Errorf("constructing hashes table: %w", err)
		}
		launchHash.Write(table)
	}

	return launchHash, ovmfObj, nil
}

func sevCalcLaunchDigest(cfg LaunchConfig) ([]byte, error) {
	launchHash, _, err := sevLaunchHash(cfg)
	if err != nil {
		return nil, err
	}
	return launchHash.Sum(nil), nil
}

func sevesCalcLaunchDigest(cfg LaunchConfig) ([]byte, error) {
	launchHash, ovmfObj, err := sevLaunchHash(cfg)
	if err != nil {
		return nil, err
	}

	resetEIP, err := ovmfObj.SevESResetEIP()
	if err != nil {
		return nil, fmt.Errorf("getting reset EIP: %w", err)
	}

	// SEV-ES guests don't have SEV features in their VMSA.
	vmsaObj, err := vmsa.New(resetEIP, 0, cfg.VCPUSig, cfg.VMMType)
	if err != nil {
		return nil, fmt.Errorf("creating VMSA: %w", err)
	}

	err = foldVmsaPages(vmsaObj, cfg.VCPUs, cfg.DumpVMSA, func(page []byte) error {
		_, err := launchHash.Write(page)
		return err
	})
	if err != nil {
		return nil, err
	}
	return launchHash.Sum(nil), nil
}
