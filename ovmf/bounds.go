/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package ovmf

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrStartLessThanZero means a region starts before the beginning of the image.
type ErrStartLessThanZero struct {
	Start int
}

func (err *ErrStartLessThanZero) Error() string {
	return fmt.Sprintf("start offset %d is negative", err.Start)
}

// ErrEndLessThanStart means a region has a negative length.
type ErrEndLessThanStart struct {
	Start, End int
}

func (err *ErrEndLessThanStart) Error() string {
	return fmt.Sprintf("end offset %d is less than start offset %d", err.End, err.Start)
}

// ErrEndGreaterThanLength means a region extends past the end of the image.
type ErrEndGreaterThanLength struct {
	Length, End int
}

func (err *ErrEndGreaterThanLength) Error() string {
	return fmt.Sprintf("end offset %d is beyond image length %d", err.End, err.Length)
}

// checkRange validates that data[start:end] is addressable in a buffer of the given length.
func checkRange(length, start, end int) error {
	var result *multierror.Error
	if start < 0 {
		result = multierror.Append(result, &ErrStartLessThanZero{Start: start})
	}
	if end < start {
		result = multierror.Append(result, &ErrEndLessThanStart{Start: start, End: end})
	}
	if end > length {
		result = multierror.Append(result, &ErrEndGreaterThanLength{Length: length, End: end})
	}
	return result.ErrorOrNil()
}
