// SPDX-License-Identifier: MIT

package manifest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompare(t *testing.T) {
	oldM := testManifest()
	newM := testManifest()

	// pyright bumped, clangd dropped, zls added.
	newM.Servers[1].Version = "1.1.400"
	newM.Servers = newM.Servers[:2]
	newM.Servers = append(newM.Servers, Server{
		ID:      "zls",
		Name:    "Zig Language Server",
		Version: "0.13.0",
		Assets: map[Platform]Asset{
			PlatformWinX64: testAsset(digestA),
		},
	})

	got := Compare(oldM, newM)
	want := Diff{
		Added:   []string{"zls"},
		Removed: []string{"clangd"},
		Changed: []string{"pyright"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Compare mismatch (-want +got):\n%s", diff)
	}
	if got.Empty() {
		t.Error("diff should not be empty")
	}
}

func TestCompareDigestChangeWithoutVersionBump(t *testing.T) {
	oldM := testManifest()
	newM := testManifest()

	// Re-published asset with the same version is still a change; silent
	// re-publishes are exactly what the lockfile exists to catch.
	newM.Servers[0].Assets = map[Platform]Asset{
		PlatformWinX64:   testAsset(digestB),
		PlatformWinArm64: testAsset(digestB),
	}

	got := Compare(oldM, newM)
	if len(got.Changed) != 1 || got.Changed[0] != "gopls" {
		t.Errorf("Changed = %v, want [gopls]", got.Changed)
	}
}

func TestCompareIdentical(t *testing.T) {
	got := Compare(testManifest(), testManifest())
	if !got.Empty() {
		t.Errorf("identical manifests should diff empty, got %+v", got)
	}
}
