package storeengine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	storeengine "github.com/blockvault/storeengine"
	"github.com/blockvault/storeengine/config"
	"github.com/blockvault/storeengine/device"
	"github.com/blockvault/storeengine/logstore"
	"github.com/blockvault/storeengine/vdev"
	"github.com/blockvault/storeengine/vfs"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxVDevs = 8
	cfg.MaxChunks = 32
	cfg.AtomicPhysPageSize = 4096
	return cfg
}

func preSize(t *testing.T, fs vfs.FS, path string, size int64) {
	t.Helper()
	f, err := fs.OpenReadWrite(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
}

func testOptions() storeengine.Options {
	logParams := storeengine.LogVDevParams{
		NumChunks: 4,
		ChunkSize: 64 << 10,
		BlockSize: 4096,
		Placement: vdev.SinglePDev,
		Tier:      device.Data,
	}
	return storeengine.Options{
		Config:      testConfig(),
		CtrlLogVDev: logParams,
		DataLogVDev: logParams,
	}
}

func TestFormatCreatesLogFamilies(t *testing.T) {
	fs := vfs.NewMem()
	preSize(t, fs, "d0", 16<<20)

	e, err := storeengine.Format(fs, "/store", []storeengine.DeviceSpec{{Path: "d0", Tier: device.Data}}, testOptions())
	require.NoError(t, err)
	defer e.Close()

	store := e.DataLogFamily().CreateNewLogStore(logstore.AppendModeSequential)

	var gotLSN uint64
	var gotErr error
	done := make(chan struct{})
	lsn, err := store.Append([]byte("hello"), func(l uint64, err error) {
		gotLSN, gotErr = l, err
		close(done)
	})
	require.NoError(t, err)
	<-done
	require.NoError(t, gotErr)
	require.Equal(t, lsn, gotLSN)
}

func TestFormatThenOpenReplaysAppendedRecords(t *testing.T) {
	fs := vfs.NewMem()
	preSize(t, fs, "d0", 16<<20)

	opts := testOptions()
	e, err := storeengine.Format(fs, "/store", []storeengine.DeviceSpec{{Path: "d0", Tier: device.Data}}, opts)
	require.NoError(t, err)

	store := e.DataLogFamily().CreateNewLogStore(logstore.AppendModeSequential)
	for _, payload := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		done := make(chan struct{})
		_, err := store.Append(payload, func(uint64, error) { close(done) })
		require.NoError(t, err)
		<-done
	}
	storeID := store.ID()
	require.NoError(t, e.Close())

	var replayed [][]byte
	dataCallbacks := map[uint32]logstore.OnOpenCallback{
		storeID: func(r logstore.Record) {
			replayed = append(replayed, r.Payload)
		},
	}

	e2, dangling, err := storeengine.Open(fs, "/store", []storeengine.DeviceSpec{{Path: "d0", Tier: device.Data}}, opts, 16<<20, nil, dataCallbacks)
	require.NoError(t, err)
	defer e2.Close()
	require.Empty(t, dangling)

	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, replayed)
}

func TestCheckpointManagerForcesLogFlush(t *testing.T) {
	fs := vfs.NewMem()
	preSize(t, fs, "d0", 16<<20)

	e, err := storeengine.Format(fs, "/store", []storeengine.DeviceSpec{{Path: "d0", Tier: device.Data}}, testOptions())
	require.NoError(t, err)
	defer e.Close()

	done := e.CheckpointManager().TriggerCPFlush(false)
	ok, err := done.Wait()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), e.CheckpointManager().LastFlushedCPID())
}
