/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package guest

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/virtee/sev-snp-measure-go/gctx"
	"github.com/virtee/sev-snp-measure-go/ovmf"
	"github.com/virtee/sev-snp-measure-go/vmsa"
)

// svsmCalcLaunchDigest measures a guest that boots an SVSM placed below OVMF and its
// variable store. The SVSM VMSA is used for every vCPU.
func svsmCalcLaunchDigest(cfg LaunchConfig) ([]byte, error) {
	ovmfObj, err := ovmf.New(cfg.OVMFFile, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing OVMF: %w", err)
	}
	if cfg.VarsSize > ovmfObj.GPA() {
		return nil, fmt.Errorf("vars size 0x%x exceeds OVMF GPA 0x%x", cfg.VarsSize, ovmfObj.GPA())
	}

	svsmEnd := ovmfObj.GPA() - cfg.VarsSize
	svsmObj, err := ovmf.NewSVSM(cfg.SVSMFile, svsmEnd)
	if err != nil {
		return nil, fmt.Errorf("parsing SVSM: %w", err)
	}
	log.Debugf("SVSM (%s) at GPA 0x%x, vars store %s", humanize.IBytes(uint64(len(svsmObj.Data()))), svsmObj.GPA(), humanize.IBytes(cfg.VarsSize))

	guestCtx, err := gctx.New(nil)
	if err != nil {
		return nil, err
	}
	if err := guestCtx.UpdateNormalPages(ovmfObj.GPA(), ovmfObj.Data()); err != nil {
		return nil, fmt.Errorf("updating OVMF pages: %w", err)
	}
	if err := guestCtx.UpdateNormalPages(svsmObj.GPA(), svsmObj.Data()); err != nil {
		return nil, fmt.Errorf("updating SVSM pages: %w", err)
	}

	in := snpInputs{metadata: svsmObj.MetadataItems()}
	if err := snpUpdateMetadataPages(guestCtx, in, cfg.VMMType); err != nil {
		return nil, fmt.Errorf("updating SVSM metadata pages: %w", err)
	}

	eip, err := svsmObj.SevESResetEIP()
	if err != nil {
		return nil, fmt.Errorf("getting SVSM entry point: %w", err)
	}
	vmsaObj, err := vmsa.NewSVSM(eip, cfg.VCPUSig, cfg.VMMType)
	if err != nil {
		return nil, fmt.Errorf("creating SVSM VMSA: %w", err)
	}
	if err := updateVmsaPages(guestCtx, vmsaObj, cfg.VCPUs, cfg.DumpVMSA); err != nil {
		return nil, err
	}
	return guestCtx.LD(), nil
}
