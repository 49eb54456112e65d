package metablock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockvault/storeengine/metablock"
	"github.com/blockvault/storeengine/vfs"
)

type recordingHandler struct {
	replayedWith []byte
	replayCalled bool
	toPersist    []byte
}

func (h *recordingHandler) Replay(blob []byte) error {
	h.replayCalled = true
	h.replayedWith = blob
	return nil
}

func (h *recordingHandler) Persist() ([]byte, error) {
	return h.toPersist, nil
}

func TestRegisterReplaysNilWhenNeverPersisted(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("/store", 0o755))
	svc := metablock.Open(fs, "/store")

	h := &recordingHandler{}
	require.NoError(t, svc.Register("data_log", h))

	require.True(t, h.replayCalled)
	require.Empty(t, h.replayedWith)
}

func TestPersistThenReopenReplaysStoredBlob(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("/store", 0o755))

	svc := metablock.Open(fs, "/store")
	h := &recordingHandler{toPersist: []byte("hello checkpoint")}
	require.NoError(t, svc.Register("CPSuperBlock", h))
	require.NoError(t, svc.Persist("CPSuperBlock"))

	svc2 := metablock.Open(fs, "/store")
	h2 := &recordingHandler{}
	require.NoError(t, svc2.Register("CPSuperBlock", h2))
	require.Equal(t, []byte("hello checkpoint"), h2.replayedWith)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("/store", 0o755))
	svc := metablock.Open(fs, "/store")

	require.NoError(t, svc.Register("ctrl_log", &recordingHandler{}))
	err := svc.Register("ctrl_log", &recordingHandler{})
	require.Error(t, err)
}

func TestPersistUnregisteredNameFails(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("/store", 0o755))
	svc := metablock.Open(fs, "/store")

	err := svc.Persist("nope")
	require.Error(t, err)
}

func TestReopenDetectsCorruptedBlob(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("/store", 0o755))

	svc := metablock.Open(fs, "/store")
	h := &recordingHandler{toPersist: []byte("hello checkpoint")}
	require.NoError(t, svc.Register("CPSuperBlock", h))
	require.NoError(t, svc.Persist("CPSuperBlock"))

	f, err := fs.OpenReadWrite("/store/meta_CPSuperBlock")
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	svc2 := metablock.Open(fs, "/store")
	err = svc2.Register("CPSuperBlock", &recordingHandler{})
	require.Error(t, err)
}
