/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package vmmtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVMMTypeFromString(t *testing.T) {
	testCases := map[string]struct {
		input   string
		want    VMMType
		wantErr bool
	}{
		"qemu":         {input: "QEMU", want: QEMU},
		"lowercase":    {input: "qemu", want: QEMU},
		"ec2":          {input: "ec2", want: EC2},
		"unknown":      {input: "kvmtool", wantErr: true},
		"empty string": {input: "", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			got, err := VMMTypeFromString(tc.input)
			if tc.wantErr {
				assert.ErrorIs(err, ErrUnknownVMMType)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.want, got)
		})
	}
}

func TestVMMTypeString(t *testing.T) {
	assert.Equal(t, "EC2", EC2.String())
	assert.Equal(t, "VMMType(7)", VMMType(7).String())
}
