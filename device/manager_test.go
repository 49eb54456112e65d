package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/storeengine/config"
	"github.com/blockvault/storeengine/vdev"
	"github.com/blockvault/storeengine/vfs"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxVDevs = 8
	cfg.MaxChunks = 16
	cfg.AtomicPhysPageSize = 4096
	return cfg
}

func preSize(fs vfs.FS, path string, size int64) error {
	f, err := fs.OpenReadWrite(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return err
	}
	return f.Close()
}

func TestFormatDevicesThenCreateVDevSinglePDev(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, preSize(fs, "d0", 16<<20))

	cfg := testConfig()
	m, err := FormatDevices(fs, cfg, []FormatSpec{{Path: "d0", Tier: Data}})
	require.NoError(t, err)
	defer m.Close()

	info, primary, mirrors, err := m.CreateVDev(CreateVDevParams{
		Name:      "log0",
		NumChunks: 4,
		ChunkSize: 1 << 20,
		BlockSize: 4096,
		Placement: vdev.SinglePDev,
	})
	require.NoError(t, err)
	require.Len(t, primary, 4)
	require.Empty(t, mirrors)
	require.True(t, info.SlotAllocated)
}

func TestCreateVDevStripedRoundsUpChunkCount(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, preSize(fs, "d0", 16<<20))
	require.NoError(t, preSize(fs, "d1", 16<<20))
	require.NoError(t, preSize(fs, "d2", 16<<20))

	cfg := testConfig()
	m, err := FormatDevices(fs, cfg, []FormatSpec{
		{Path: "d0", Tier: Data}, {Path: "d1", Tier: Data}, {Path: "d2", Tier: Data},
	})
	require.NoError(t, err)
	defer m.Close()

	_, primary, _, err := m.CreateVDev(CreateVDevParams{
		Name:      "striped",
		NumChunks: 4, // not a multiple of 3 pdevs, should round to 6
		ChunkSize: 1 << 20,
		Placement: vdev.Striped,
	})
	require.NoError(t, err)
	require.Len(t, primary, 6)
}

func TestCreateVDevMirroredReplicatesAcrossPDevs(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, preSize(fs, "d0", 16<<20))
	require.NoError(t, preSize(fs, "d1", 16<<20))

	cfg := testConfig()
	m, err := FormatDevices(fs, cfg, []FormatSpec{{Path: "d0", Tier: Data}, {Path: "d1", Tier: Data}})
	require.NoError(t, err)
	defer m.Close()

	_, primary, mirrors, err := m.CreateVDev(CreateVDevParams{
		Name:       "mirrored",
		NumChunks:  2,
		ChunkSize:  1 << 20,
		NumMirrors: 1,
		Placement:  vdev.Mirrored,
	})
	require.NoError(t, err)
	require.Len(t, primary, 1)
	require.Len(t, mirrors[primary[0].ChunkID], 1)
}

func TestFreeVDevReclaimsChunks(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, preSize(fs, "d0", 16<<20))

	cfg := testConfig()
	m, err := FormatDevices(fs, cfg, []FormatSpec{{Path: "d0", Tier: Data}})
	require.NoError(t, err)
	defer m.Close()

	info, _, _, err := m.CreateVDev(CreateVDevParams{
		Name: "tmp", NumChunks: 2, ChunkSize: 1 << 20, Placement: vdev.SinglePDev,
	})
	require.NoError(t, err)

	require.NoError(t, m.FreeVDev(info.ID))
	require.Error(t, m.FreeVDev(info.ID)) // already freed
}

func TestFormatThenLoadPreservesTopology(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, preSize(fs, "d0", 16<<20))

	cfg := testConfig()
	m, err := FormatDevices(fs, cfg, []FormatSpec{{Path: "d0", Tier: Data}})
	require.NoError(t, err)

	_, _, _, err = m.CreateVDev(CreateVDevParams{
		Name: "log0", NumChunks: 2, ChunkSize: 1 << 20, Placement: vdev.SinglePDev,
	})
	require.NoError(t, err)
	sysUUID := m.SystemUUID()
	require.NoError(t, m.Close())

	loaded, dangling, err := LoadDevices(fs, cfg, []LoadSpec{{Path: "d0", Tier: Data}})
	require.NoError(t, err)
	defer loaded.Close()
	require.Empty(t, dangling)
	require.Equal(t, sysUUID, loaded.SystemUUID())
	require.Equal(t, 1, loaded.PDevCount())
}

func TestFreeVDevCoalescesAdjacentSiblingChunks(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, preSize(fs, "d0", 16<<20))

	cfg := testConfig()
	m, err := FormatDevices(fs, cfg, []FormatSpec{{Path: "d0", Tier: Data}})
	require.NoError(t, err)
	defer m.Close()

	info, primary, _, err := m.CreateVDev(CreateVDevParams{
		Name: "tmp", NumChunks: 3, ChunkSize: 1 << 20, Placement: vdev.SinglePDev,
	})
	require.NoError(t, err)
	require.Len(t, primary, 3)

	// allocChunk must have linked the three chunks into a real sibling
	// chain, not stamped chunk.NoSibling on every one of them.
	require.Equal(t, primary[1].ChunkID, m.pdevs[0].chunks.Get(mustFindSlot(t, m, primary[0].ChunkID)).NextChunkID)

	require.NoError(t, m.FreeVDev(info.ID))

	// Freeing every chunk in the VDev should let coalesceFreeChunks walk
	// the real sibling chain and merge all three adjacent free chunks
	// into a single slot.
	require.Len(t, m.pdevs[0].chunks.Allocated(), 1)
	merged := m.pdevs[0].chunks.Allocated()[0]
	require.True(t, merged.Free())
	require.Equal(t, 3*uint64(1<<20), merged.Size)
}

func mustFindSlot(t *testing.T, m *Manager, chunkID uint32) int {
	t.Helper()
	slot, ok := m.pdevs[0].chunks.FindSlot(chunkID)
	require.True(t, ok)
	return slot
}

func TestLoadDevicesRejectsPDevCountMismatch(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, preSize(fs, "d0", 16<<20))
	require.NoError(t, preSize(fs, "d1", 16<<20))

	cfg := testConfig()
	m, err := FormatDevices(fs, cfg, []FormatSpec{{Path: "d0", Tier: Data}, {Path: "d1", Tier: Data}})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, _, err = LoadDevices(fs, cfg, []LoadSpec{{Path: "d0", Tier: Data}})
	require.Error(t, err)
}
