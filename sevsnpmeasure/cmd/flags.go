/*
Copyright Edgeless Systems GmbH

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/virtee/sev-snp-measure-go/guest"
	"github.com/virtee/sev-snp-measure-go/vmmtypes"
)

// ovmfHashMode only prints the OVMF hash for later use with --snp-ovmf-hash.
const ovmfHashMode = "snp:ovmf-hash"

var (
	_ pflag.Value = (*modeFlag)(nil)
	_ pflag.Value = (*vmmTypeFlag)(nil)
	_ pflag.Value = (*choiceFlag)(nil)
)

// modeFlag accepts every guest mode plus snp:ovmf-hash.
type modeFlag struct {
	value *string
}

func (f *modeFlag) Set(val string) error {
	if strings.EqualFold(val, ovmfHashMode) {
		*f.value = ovmfHashMode
		return nil
	}
	if _, err := guest.SevModeFromString(val); err != nil {
		return err
	}
	*f.value = val
	return nil
}

func (f *modeFlag) Type() string {
	return "mode"
}

func (f *modeFlag) String() string {
	return *f.value
}

type vmmTypeFlag struct {
	value *vmmtypes.VMMType
}

func (f *vmmTypeFlag) Set(val string) error {
	vmmType, err := vmmtypes.VMMTypeFromString(val)
	if err != nil {
		return err
	}
	*f.value = vmmType
	return nil
}

func (f *vmmTypeFlag) Type() string {
	return "vmm-type"
}

func (f *vmmTypeFlag) String() string {
	return f.value.String()
}

// choiceFlag is a string flag restricted to a fixed set of values.
type choiceFlag struct {
	value   *string
	allowed []string
}

func (f *choiceFlag) Set(val string) error {
	for _, a := range f.allowed {
		if a == val {
			*f.value = val
			return nil
		}
	}
	return fmt.Errorf("must be one of %s", f.Allowed())
}

func (f *choiceFlag) Type() string {
	return "format"
}

func (f *choiceFlag) String() string {
	return *f.value
}

// Allowed gives a string list of the permitted values for this flag.
func (f *choiceFlag) Allowed() string {
	return strings.Join(f.allowed, ", ")
}
