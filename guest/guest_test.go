/*
Copyright Edgeless Systems GmbH
Copyright 2022- IBM Inc. All rights reserved

SPDX-License-Identifier: Apache-2.0
*/

package guest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtee/sev-snp-measure-go/gctx"
	"github.com/virtee/sev-snp-measure-go/ovmf"
	"github.com/virtee/sev-snp-measure-go/vmmtypes"
)

const (
	ovmfFixture = "testdata/ovmf_fixture.bin"
	svsmFixture = "testdata/svsm_fixture.bin"
	// ovmfFixtureHash is the digest after measuring only the pages of ovmfFixture.
	ovmfFixtureHash = "e49f7fbfbbfd4a596b4280ab5148257ae5f55180343024fe5ea84be3f670e73851d7a34be8d50057cbfc9b50aa6c91dc"
	epycSig         = 0x800f12
)

type bootFiles struct {
	kernel, initrd string
}

// writeBootFiles writes empty boot files and boot files with content into a temporary directory.
func writeBootFiles(t *testing.T) (empty, data bootFiles) {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	empty = bootFiles{kernel: write("empty-kernel", ""), initrd: write("empty-initrd", "")}
	data = bootFiles{kernel: write("bzImage", "kernel-image"), initrd: write("initrd.img", "initrd-image")}
	return empty, data
}

func TestCalcLaunchDigest(t *testing.T) {
	empty, data := writeBootFiles(t)

	testCases := map[string]struct {
		cfg  LaunchConfig
		want string
	}{
		"sev without kernel": {
			cfg:  LaunchConfig{Mode: SEV, OVMFFile: ovmfFixture},
			want: "9dbe53263c79b793611e09dd56de2c6baa5ecf95a3dbb4a02a5a0a6063130ef0",
		},
		"sev with empty kernel": {
			cfg:  LaunchConfig{Mode: SEV, OVMFFile: ovmfFixture, KernelFile: empty.kernel, InitrdFile: empty.initrd},
			want: "9cc6663f63814138a02890504f8bdd82347698da85fc05b19914fd0a6b5022b5",
		},
		"sev with kernel initrd and cmdline": {
			cfg:  LaunchConfig{Mode: SEV, OVMFFile: ovmfFixture, KernelFile: data.kernel, InitrdFile: data.initrd, Append: "console=ttyS0"},
			want: "bf3df8f206814f46388f93db7c3280657b5f6639554cd3bfbd85e345c2d637e2",
		},
		"sev-es 1 vcpu": {
			cfg:  LaunchConfig{Mode: SEV_ES, VCPUs: 1, VCPUSig: epycSig, OVMFFile: ovmfFixture},
			want: "0f19b31654257c7c9c3375c2cf50718d69db7099e5ea101dfb238c87c0127eb8",
		},
		"sev-es 2 vcpus": {
			cfg:  LaunchConfig{Mode: SEV_ES, VCPUs: 2, VCPUSig: epycSig, OVMFFile: ovmfFixture},
			want: "8a1380c0d232df8f5971cf90658fd19fb82cb2d625adb67b48b2875c4346add3",
		},
		"sev-es 2 vcpus with kernel": {
			cfg:  LaunchConfig{Mode: SEV_ES, VCPUs: 2, VCPUSig: epycSig, OVMFFile: ovmfFixture, KernelFile: data.kernel, InitrdFile: data.initrd, Append: "console=ttyS0"},
			want: "8c648bb60f08b1ebaa176f3614addcc9213a0dd6c100cfd6cdde47674c1760e6",
		},
		"sev-es 2 vcpus ec2": {
			cfg:  LaunchConfig{Mode: SEV_ES, VCPUs: 2, VCPUSig: epycSig, OVMFFile: ovmfFixture, VMMType: vmmtypes.EC2},
			want: "2fe84787d75cc00ee4d18906dac19a05ec6e2d5494e746978f54634442f4c604",
		},
		"snp 1 vcpu without kernel": {
			cfg:  LaunchConfig{Mode: SEV_SNP, VCPUs: 1, VCPUSig: epycSig, GuestFeatures: 0x1, OVMFFile: ovmfFixture},
			want: "b3ca42e4a497e11c2f34b2990987d219d0799e7392975c90058accf9edae6b44de450d414db6406ba832a2c5d65b8190",
		},
		"snp default guest features": {
			cfg:  LaunchConfig{Mode: SEV_SNP, VCPUs: 1, VCPUSig: epycSig, OVMFFile: ovmfFixture},
			want: "b3ca42e4a497e11c2f34b2990987d219d0799e7392975c90058accf9edae6b44de450d414db6406ba832a2c5d65b8190",
		},
		"snp 1 vcpu with empty kernel": {
			cfg:  LaunchConfig{Mode: SEV_SNP, VCPUs: 1, VCPUSig: epycSig, GuestFeatures: 0x1, OVMFFile: ovmfFixture, KernelFile: empty.kernel, InitrdFile: empty.initrd},
			want: "4bbaa1c0988d6991faa2b6604c40e44e5f93589cd27394825d0feabccc1963f8c94a40ae141b5bd7b028e1e3fdf93fbb",
		},
		"snp 4 vcpus with empty kernel": {
			cfg:  LaunchConfig{Mode: SEV_SNP, VCPUs: 4, VCPUSig: epycSig, GuestFeatures: 0x1, OVMFFile: ovmfFixture, KernelFile: empty.kernel, InitrdFile: empty.initrd},
			want: "15b99fa7c965f686fa58c4cc926b45852b56dd983656bb72671742adbce9beb80686a2eab96f5d54e9d850e01790fef0",
		},
		"snp precomputed ovmf hash": {
			cfg:  LaunchConfig{Mode: SEV_SNP, VCPUs: 1, VCPUSig: epycSig, GuestFeatures: 0x1, OVMFFile: ovmfFixture, OVMFHash: ovmfFixtureHash, KernelFile: empty.kernel},
			want: "4bbaa1c0988d6991faa2b6604c40e44e5f93589cd27394825d0feabccc1963f8c94a40ae141b5bd7b028e1e3fdf93fbb",
		},
		"snp 2 vcpus ec2": {
			cfg:  LaunchConfig{Mode: SEV_SNP, VCPUs: 2, VCPUSig: epycSig, GuestFeatures: 0x1, OVMFFile: ovmfFixture, VMMType: vmmtypes.EC2},
			want: "df8867c1c5c58328970afc05a48de52f663494af52416cf2e1d79edde2109900ece677883e7dc34346ed41b80f8b172d",
		},
		"snp guest features with kernel": {
			cfg:  LaunchConfig{Mode: SEV_SNP, VCPUs: 2, VCPUSig: 0xa00f11, GuestFeatures: 0x21, OVMFFile: ovmfFixture, KernelFile: data.kernel, InitrdFile: data.initrd, Append: "console=ttyS0"},
			want: "a24cccc66e0eac5d2ea39d123c8d8d73de1da64b9544ebcc8f5a7ce37ba186864f303449172eefa215945282df401204",
		},
		"svsm 1 vcpu": {
			cfg:  LaunchConfig{Mode: SEV_SNP_SVSM, VCPUs: 1, VCPUSig: epycSig, OVMFFile: ovmfFixture, SVSMFile: svsmFixture, VarsSize: 0x2000},
			want: "1527e7d1bfaf60176d04154544470b22c86fdeae933362cd2f1184f026ccc8c61f072818a2f4f7d5df6266f753d8677c",
		},
		"svsm 2 vcpus": {
			cfg:  LaunchConfig{Mode: SEV_SNP_SVSM, VCPUs: 2, VCPUSig: epycSig, OVMFFile: ovmfFixture, SVSMFile: svsmFixture, VarsSize: 0x2000},
			want: "39037ad778e12560a8bcea37ba0298b828aabb16657c87c2b81380319cc20a5ca273581af5fe56be7e2cf1d705cd54bc",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			digest, err := CalcLaunchDigest(tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, hex.EncodeToString(digest))
		})
	}
}

func TestCalcLaunchDigestErrors(t *testing.T) {
	_, data := writeBootFiles(t)

	noMetadata := filepath.Join(t.TempDir(), "plain.fd")
	require.NoError(t, os.WriteFile(noMetadata, make([]byte, 0x2000), 0o644))

	testCases := map[string]struct {
		cfg     LaunchConfig
		wantErr error
	}{
		"snp kernel without metadata": {
			cfg:     LaunchConfig{Mode: SEV_SNP, VCPUs: 1, OVMFFile: noMetadata, KernelFile: data.kernel},
			wantErr: ErrKernelHashesMissing,
		},
		"snp kernel without kernel hashes section": {
			cfg:     LaunchConfig{Mode: SEV_SNP, VCPUs: 1, OVMFFile: svsmFixture, KernelFile: data.kernel},
			wantErr: ErrKernelHashesMissing,
		},
		"sev kernel without hashes table": {
			cfg:     LaunchConfig{Mode: SEV, OVMFFile: noMetadata, KernelFile: data.kernel},
			wantErr: ErrKernelHashesMissing,
		},
		"svsm on ec2": {
			cfg:     LaunchConfig{Mode: SEV_SNP_SVSM, VCPUs: 1, OVMFFile: ovmfFixture, SVSMFile: svsmFixture, VarsSize: 0x2000, VMMType: vmmtypes.EC2},
			wantErr: ErrUnsupported,
		},
		"ovmf hash outside snp": {
			cfg:     LaunchConfig{Mode: SEV_ES, VCPUs: 1, OVMFFile: ovmfFixture, OVMFHash: ovmfFixtureHash},
			wantErr: ErrUnsupported,
		},
		"vmsa dump with sev": {
			cfg:     LaunchConfig{Mode: SEV, OVMFFile: ovmfFixture, DumpVMSA: func(int, []byte) error { return nil }},
			wantErr: ErrUnsupported,
		},
		"short ovmf hash": {
			cfg:     LaunchConfig{Mode: SEV_SNP, VCPUs: 1, OVMFFile: ovmfFixture, OVMFHash: "abcd"},
			wantErr: gctx.ErrInvalidSize,
		},
		"unknown mode": {
			cfg:     LaunchConfig{Mode: SevMode(9), VCPUs: 1, OVMFFile: ovmfFixture},
			wantErr: ErrIllegalMode,
		},
		"snp reset block missing": {
			cfg:     LaunchConfig{Mode: SEV_SNP, VCPUs: 1, OVMFFile: noMetadata},
			wantErr: ovmf.ErrGUIDNotFound,
		},
		"invalid ovmf hash": {
			cfg: LaunchConfig{Mode: SEV_SNP, VCPUs: 1, OVMFFile: ovmfFixture, OVMFHash: "not hex"},
		},
		"no vcpus": {
			cfg: LaunchConfig{Mode: SEV_SNP, OVMFFile: ovmfFixture},
		},
		"missing ovmf": {
			cfg: LaunchConfig{Mode: SEV, OVMFFile: filepath.Join(t.TempDir(), "missing.fd")},
		},
		"svsm without file": {
			cfg: LaunchConfig{Mode: SEV_SNP_SVSM, VCPUs: 1, OVMFFile: ovmfFixture, VarsSize: 0x2000},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			digest, err := CalcLaunchDigest(tc.cfg)
			require.Error(t, err)
			assert.Nil(t, digest)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := LaunchConfig{Mode: SEV_SNP_SVSM, InitrdFile: "initrd", VMMType: vmmtypes.EC2}
	err := cfg.Validate()
	require.Error(t, err)
	for _, msg := range []string{"missing OVMF file", "invalid vCPU count", "initrd specified", "missing SVSM file", "VMM type EC2"} {
		assert.Contains(t, err.Error(), msg)
	}
}

func TestLaunchDigestFromOVMF(t *testing.T) {
	testCases := map[string]struct {
		ovmfHash string
		vmmType  vmmtypes.VMMType
		vcpus    int
		want     string
	}{
		"precomputed hash": {
			ovmfHash: ovmfFixtureHash,
			vmmType:  vmmtypes.EC2,
			vcpus:    2,
			want:     "df8867c1c5c58328970afc05a48de52f663494af52416cf2e1d79edde2109900ece677883e7dc34346ed41b80f8b172d",
		},
		"hash from image": {
			vmmType: vmmtypes.QEMU,
			vcpus:   1,
			want:    "b3ca42e4a497e11c2f34b2990987d219d0799e7392975c90058accf9edae6b44de450d414db6406ba832a2c5d65b8190",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			var hash []byte
			if tc.ovmfHash != "" {
				var err error
				hash, err = hex.DecodeString(tc.ovmfHash)
				require.NoError(err)
			}

			ovmfObj, err := ovmf.New(ovmfFixture, 0)
			require.NoError(err)

			digest, err := LaunchDigestFromOVMF(ovmfObj, 0x1, tc.vcpus, hash, tc.vmmType, epycSig)
			require.NoError(err)
			assert.Equal(t, tc.want, hex.EncodeToString(digest))
		})
	}
}

func TestLaunchDigestFromMetadataWrapper(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	data, err := os.ReadFile("testdata/ovmf_fixture.json")
	require.NoError(err)

	var wrapper ovmf.MetadataWrapper
	require.NoError(json.Unmarshal(data, &wrapper))

	digest, err := LaunchDigestFromMetadataWrapper(wrapper, 0x1, 2, vmmtypes.EC2, epycSig)
	require.NoError(err)
	assert.Equal("df8867c1c5c58328970afc05a48de52f663494af52416cf2e1d79edde2109900ece677883e7dc34346ed41b80f8b172d", hex.EncodeToString(digest))

	// The wrapper built from the image must produce the same digest.
	ovmfObj, err := ovmf.New(ovmfFixture, 0)
	require.NoError(err)
	hash, err := OVMFHash(ovmfObj)
	require.NoError(err)
	fromImage, err := ovmf.NewMetadataWrapper(ovmfObj, hash)
	require.NoError(err)
	assert.Equal(wrapper, fromImage)

	wrapper.OVMFHash = nil
	_, err = LaunchDigestFromMetadataWrapper(wrapper, 0x1, 2, vmmtypes.EC2, epycSig)
	assert.Error(err)
}

func TestCalcSnpOvmfHash(t *testing.T) {
	hash, err := CalcSnpOvmfHash(ovmfFixture)
	require.NoError(t, err)
	assert.Equal(t, ovmfFixtureHash, hex.EncodeToString(hash))

	_, err = CalcSnpOvmfHash("testdata/missing.bin")
	assert.Error(t, err)
}

func TestDumpVMSA(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	cfg := LaunchConfig{Mode: SEV_SNP, VCPUs: 3, VCPUSig: epycSig, GuestFeatures: 0x1, OVMFFile: ovmfFixture}

	withoutDump, err := CalcLaunchDigest(cfg)
	require.NoError(err)

	cfg.DumpVMSA = DumpVMSAToDir(dir)
	withDump, err := CalcLaunchDigest(cfg)
	require.NoError(err)
	assert.Equal(withoutDump, withDump)

	bsp, err := os.ReadFile(filepath.Join(dir, "vmsa0.bin"))
	require.NoError(err)
	ap1, err := os.ReadFile(filepath.Join(dir, "vmsa1.bin"))
	require.NoError(err)
	ap2, err := os.ReadFile(filepath.Join(dir, "vmsa2.bin"))
	require.NoError(err)

	assert.Len(bsp, gctx.PAGE_SIZE)
	assert.NotEqual(bsp, ap1)
	assert.Equal(ap1, ap2)

	cfg.DumpVMSA = DumpVMSAToDir(filepath.Join(dir, "missing"))
	_, err = CalcLaunchDigest(cfg)
	assert.Error(err)
}

func TestDumpVMSASevES(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cfg := LaunchConfig{Mode: SEV_ES, VCPUs: 2, VCPUSig: epycSig, OVMFFile: ovmfFixture}
	withoutDump, err := CalcLaunchDigest(cfg)
	require.NoError(err)

	var dumped []int
	cfg.DumpVMSA = func(i int, page []byte) error {
		dumped = append(dumped, i)
		assert.Len(page, gctx.PAGE_SIZE)
		return nil
	}
	withDump, err := CalcLaunchDigest(cfg)
	require.NoError(err)
	assert.Equal(withoutDump, withDump)
	assert.Equal([]int{0, 1}, dumped)

	errSink := errors.New("sink failed")
	cfg.DumpVMSA = func(int, []byte) error { return errSink }
	_, err = CalcLaunchDigest(cfg)
	assert.ErrorIs(err, errSink)
}

func TestSevModeFromString(t *testing.T) {
	testCases := map[string]struct {
		input   string
		want    SevMode
		wantErr bool
	}{
		"sev":                {input: "sev", want: SEV},
		"sev-es":             {input: "SEV-ES", want: SEV_ES},
		"seves underscore":   {input: "sev_es", want: SEV_ES},
		"snp":                {input: "snp", want: SEV_SNP},
		"sev-snp":            {input: "SEV-SNP", want: SEV_SNP},
		"snp svsm":           {input: "snp:svsm", want: SEV_SNP_SVSM},
		"sev-snp svsm":       {input: "sev-snp:svsm", want: SEV_SNP_SVSM},
		"unknown":            {input: "tdx", wantErr: true},
		"ovmf hash mode":     {input: "snp:ovmf-hash", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, err := SevModeFromString(tc.input)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrIllegalMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
