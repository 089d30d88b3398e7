/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package guest

import (
	"fmt"
	"os"
	"path/filepath"
)

// DumpVMSAToDir returns a VMSASink writing page i to dir/vmsa<i>.bin.
func DumpVMSAToDir(dir string) VMSASink {
	return func(index int, page []byte) error {
		name := filepath.Join(dir, fmt.Sprintf("vmsa%d.bin", index))
		log.Debugf("Writing VMSA page %d to %s", index, name)
		return os.WriteFile(name, page, 0o644)
	}
}
