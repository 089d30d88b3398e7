/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package guest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIllegalMode is returned for mode names that don't describe a supported guest type.
var ErrIllegalMode = errors.New("illegal SEV mode")

// SevMode is the kind of confidential guest being measured.
type SevMode int

const (
	SEV SevMode = iota
	SEV_ES
	SEV_SNP
	SEV_SNP_SVSM
)

func (m SevMode) String() string {
	switch m {
	case SEV:
		return "SEV"
	case SEV_ES:
		return "SEV-ES"
	case SEV_SNP:
		return "SEV-SNP"
	case SEV_SNP_SVSM:
		return "SEV-SNP:SVSM"
	default:
		return fmt.Sprintf("SevMode(%d)", int(m))
	}
}

// SevModeFromString parses a mode name. Case, '-' and '_' are ignored, so
// "SEV-SNP", "sev_snp" and "snp" all select SEV_SNP.
func SevModeFromString(s string) (SevMode, error) {
	normalized := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(s))
	switch normalized {
	case "sev":
		return SEV, nil
	case "seves":
		return SEV_ES, nil
	case "snp", "sevsnp":
		return SEV_SNP, nil
	case "snp:svsm", "sevsnp:svsm":
		return SEV_SNP_SVSM, nil
	default:
		return -1, fmt.Errorf("%q: %w", s, ErrIllegalMode)
	}
}
