package fat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/fat"
	"github.com/dargueta/gofat/testutil"
)

func TestTable_AllocateChainFree_FAT16(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	table := v.Table

	clusters, err := table.Allocate(3, 0)
	require.NoError(t, err)
	require.Len(t, clusters, 3)

	chain, err := table.Chain(clusters[0])
	require.NoError(t, err)
	require.Equal(t, clusters, chain)

	for _, c := range clusters[:len(clusters)-1] {
		cell, err := table.Get(c)
		require.NoError(t, err)
		require.False(t, v.BPB.Variant.IsEOC(cell))
	}
	last, err := table.Get(clusters[len(clusters)-1])
	require.NoError(t, err)
	require.True(t, v.BPB.Variant.IsEOC(last))

	require.NoError(t, table.FreeChain(clusters[0]))
	for _, c := range clusters {
		cell, err := table.Get(c)
		require.NoError(t, err)
		require.True(t, v.BPB.Variant.IsFree(cell))
	}
}

func TestTable_FAT12CellStraddle(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT12, 2000, nil)
	table := v.Table

	clusters, err := table.Allocate(8, 0)
	require.NoError(t, err)
	require.Len(t, clusters, 8)

	// Odd and even cluster numbers exercise both halves of FAT12's
	// byte-straddling 12-bit cell packing.
	for _, c := range clusters {
		cell, err := table.Get(c)
		require.NoError(t, err)
		require.False(t, v.BPB.Variant.IsFree(cell))
	}
}

func TestTable_FreeClusterCount(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	table := v.Table

	before, err := table.FreeClusterCount()
	require.NoError(t, err)

	clusters, err := table.Allocate(5, 0)
	require.NoError(t, err)

	after, err := table.FreeClusterCount()
	require.NoError(t, err)
	require.Equal(t, before-uint32(len(clusters)), after)
}

func TestTable_ControlBitsLifecycle(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT32, 532480, nil)
	table := v.Table

	// Format() leaves the volume clean: the clean-shutdown bit is set, so
	// ReadControlBits reports it as NOT clear.
	hardErrorClear, cleanShutdownClear, err := table.ReadControlBits()
	require.NoError(t, err)
	require.True(t, hardErrorClear)
	require.False(t, cleanShutdownClear)

	// Simulate a fresh mount: clear the bit to mark the volume dirty until
	// the next clean dismount.
	require.NoError(t, table.ClearCleanShutdownBit())
	_, cleanShutdownClear, err = table.ReadControlBits()
	require.NoError(t, err)
	require.True(t, cleanShutdownClear)

	require.NoError(t, table.SetCleanShutdownBitIfNoHardError())
	_, cleanShutdownClear, err = table.ReadControlBits()
	require.NoError(t, err)
	require.False(t, cleanShutdownClear)

	require.NoError(t, table.MarkHardError())
	require.True(t, table.HasHardError())
}

// TestTable_RunChainCheck_RecoversFromBackupCopy exercises spec §4.2's rule
// (a): when the active copy's view of a chain collides with another owner's
// chain, the chain check falls back to the backup copy's disjoint view.
func TestTable_RunChainCheck_RecoversFromBackupCopy(t *testing.T) {
	v := testutil.FormatRAMVolume(t, fat.FAT16, 40000, nil)
	table := v.Table

	chainA, err := table.Allocate(3, 0)
	require.NoError(t, err)
	chainB, err := table.Allocate(3, 0)
	require.NoError(t, err)

	// Copy 1 now mirrors the correct, disjoint state of both chains.
	require.NoError(t, table.ReplicateActiveCopy())

	// Corrupt copy 0 only: splice A's tail into the middle of B, so tracing
	// A's chain through the active copy wanders into B's clusters.
	require.NoError(t, table.Set(chainA[len(chainA)-1], chainB[1]))

	clusterSize := uint64(v.BPB.BytesPerCluster())
	// Recorded size sits one byte above the backup copy's true 3-cluster
	// chain length for A, but below the corrupted active copy's 5-cluster
	// (A's three plus B's last two) merged view. Only a fix computed from the
	// backup's disjoint chain crosses the truncation threshold in
	// RunChainCheck's rule (b); a fix computed from the corrupted merged
	// chain would not. B is listed first so that A's merged chain collides
	// with clusters B has already claimed.
	recordedSize := uint32(3*clusterSize + 1)

	var fixedStart, fixedSize uint32
	var fixedA bool
	owners := []fat.ChainOwner{
		{
			StartCluster: chainB[0],
			IsDirectory:  true, // owner B isn't the one under test here
		},
		{
			StartCluster: chainA[0],
			RecordedSize: recordedSize,
			Fix: func(newStart, newSize uint32) error {
				fixedA = true
				fixedStart, fixedSize = newStart, newSize
				return nil
			},
		},
	}

	findings := table.RunChainCheck(owners, 1)
	require.Nil(t, findings.ErrorOrNil())

	require.True(t, fixedA, "expected the backup-recovered chain to trigger the truncation rule")
	require.Equal(t, chainA[0], fixedStart)
	require.Equal(t, uint32(3*clusterSize), fixedSize)
}
