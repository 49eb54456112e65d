// Package storeengine wires the Device Manager, the Log Store families,
// the Checkpoint Manager and the meta-block service into one durable
// storage engine (spec.md §1 Overview). Engine is the embedder's single
// entry point: Format stamps a brand-new instance across a set of
// physical devices, Open reattaches to an existing one and replays its
// meta-blocks, and Close tears everything down in dependency order.
//
// Grounded on the teacher's top-level DB type (pebble.Open/pebble.DB):
// one struct aggregating every subsystem, a single Options-style config
// struct, and an explicit Close that waits out in-flight background
// work before returning.
package storeengine

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/blockvault/storeengine/checkpoint"
	"github.com/blockvault/storeengine/chunk"
	"github.com/blockvault/storeengine/config"
	"github.com/blockvault/storeengine/device"
	"github.com/blockvault/storeengine/errs"
	"github.com/blockvault/storeengine/internal/base"
	"github.com/blockvault/storeengine/logdevice"
	"github.com/blockvault/storeengine/logstore"
	"github.com/blockvault/storeengine/metablock"
	"github.com/blockvault/storeengine/vdev"
	"github.com/blockvault/storeengine/vfs"
)

// DeviceSpec describes one physical device the engine should format or
// load, by path and storage tier.
type DeviceSpec struct {
	Path string
	Tier device.Tier
}

// LogVDevParams sizes the VDev backing one log family at format time.
type LogVDevParams struct {
	NumChunks   uint32
	ChunkSize   uint64
	BlockSize   uint32
	Placement   vdev.Placement
	Tier        device.Tier
	FlushUnit   int
	FlushPeriod time.Duration
}

// Options configures an Engine.
type Options struct {
	Config      config.Config
	Logger      base.Logger
	CtrlLogVDev LogVDevParams
	DataLogVDev LogVDevParams
}

// DanglingChunk reports a chunk Open found allocated on disk whose VDev
// was never persisted (spec.md §4.1 "logged and ignored").
type DanglingChunk struct {
	ChunkID uint32
	PDevID  uint32
}

// Engine is the top-level handle to one storage-engine instance.
type Engine struct {
	fs       vfs.FS
	storeDir string
	logger   base.Logger

	devices *device.Manager
	meta    *metablock.Service
	cp      *checkpoint.Manager

	ctrlLog *logFamily
	dataLog *logFamily
}

// logFamily bundles one well-known Log Store family with the VDev and
// Log Device it is layered over.
type logFamily struct {
	vd     *vdev.VDev
	logdev *logdevice.Device
	family *logstore.Family
}

// vdevMetaHandler persists and replays the single fact engine.Open needs
// to rebuild a family's *vdev.VDev handle without re-deriving it from
// create_vdev: the VDev id backing that family's Log Device (spec.md §6
// meta-block registration).
type vdevMetaHandler struct {
	vdevID uint32
}

func (h *vdevMetaHandler) Replay(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	if len(blob) < 4 {
		return errs.New(errs.DeviceFormat, "storeengine: vdev meta blob too small")
	}
	h.vdevID = binary.LittleEndian.Uint32(blob)
	return nil
}

func (h *vdevMetaHandler) Persist() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, h.vdevID)
	return buf, nil
}

// cpSuperBlockHandler adapts checkpoint.SuperBlock to metablock.Handler.
type cpSuperBlockHandler struct {
	sb checkpoint.SuperBlock
}

func (h *cpSuperBlockHandler) Replay(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	sb, err := checkpoint.UnmarshalSuperBlock(blob)
	if err != nil {
		return err
	}
	h.sb = sb
	return nil
}

func (h *cpSuperBlockHandler) Persist() ([]byte, error) {
	return h.sb.Marshal(), nil
}

// logStoreConsumer adapts a *logstore.Family to checkpoint.Consumer:
// flushing a family means forcing its Log Device's buffered records out
// (spec.md §4.6 "any component whose durable state is gated behind a
// checkpoint registers as a consumer").
type logStoreConsumer struct {
	name   string
	family *logstore.Family
}

func (c logStoreConsumer) Name() string { return c.name }

func (c logStoreConsumer) OnSwitchoverCP(old, newCP *checkpoint.CP) interface{} { return nil }

func (c logStoreConsumer) CPFlush(ctx context.Context, cp *checkpoint.CP) error {
	c.family.Flush()
	return nil
}

func (c logStoreConsumer) CPCleanup(cp *checkpoint.CP) {}

func (c logStoreConsumer) ProgressPercent(cp *checkpoint.CP) int { return 100 }

func (c logStoreConsumer) RepairSlowCP(cp *checkpoint.CP) {}

func defaultFlushUnit(p LogVDevParams) int {
	if p.FlushUnit > 0 {
		return p.FlushUnit
	}
	return int(p.ChunkSize)
}

// Format stamps a brand-new engine instance across specs, each holding
// one PDev, and creates the ctrl_log/data_log VDevs and Log Store
// families atop them (spec.md §1, §4.1, §4.5).
func Format(fs vfs.FS, storeDir string, specs []DeviceSpec, o Options) (*Engine, error) {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if err := fs.MkdirAll(storeDir, 0o755); err != nil {
		return nil, errs.Mark(errs.DeviceIo, err, "storeengine: mkdir %s", storeDir)
	}

	formatSpecs := make([]device.FormatSpec, len(specs))
	for i, s := range specs {
		formatSpecs[i] = device.FormatSpec{Path: s.Path, Tier: s.Tier}
	}
	mgr, err := device.FormatDevices(fs, o.Config, formatSpecs)
	if err != nil {
		return nil, err
	}

	meta := metablock.Open(fs, storeDir)
	e := &Engine{fs: fs, storeDir: storeDir, logger: o.Logger, devices: mgr, meta: meta}

	ctrlInfo, ctrlPrimary, ctrlMirrors, err := mgr.CreateVDev(device.CreateVDevParams{
		Name:             string(logstore.CtrlFamily),
		NumChunks:        o.CtrlLogVDev.NumChunks,
		ChunkSize:        o.CtrlLogVDev.ChunkSize,
		BlockSize:        o.CtrlLogVDev.BlockSize,
		Placement:        o.CtrlLogVDev.Placement,
		PreferredTier:    o.CtrlLogVDev.Tier,
		NumPrimaryChunks: o.CtrlLogVDev.NumChunks,
	})
	if err != nil {
		return nil, err
	}
	dataInfo, dataPrimary, dataMirrors, err := mgr.CreateVDev(device.CreateVDevParams{
		Name:             string(logstore.DataFamily),
		NumChunks:        o.DataLogVDev.NumChunks,
		ChunkSize:        o.DataLogVDev.ChunkSize,
		BlockSize:        o.DataLogVDev.BlockSize,
		Placement:        o.DataLogVDev.Placement,
		PreferredTier:    o.DataLogVDev.Tier,
		NumPrimaryChunks: o.DataLogVDev.NumChunks,
	})
	if err != nil {
		return nil, err
	}

	accessors := mgr.PDevAccessors()

	e.ctrlLog = buildFamily(logstore.CtrlFamily, ctrlInfo, accessors, ctrlPrimary, ctrlMirrors, o.CtrlLogVDev, o.Logger)
	e.ctrlLog.family = logstore.NewFamily(logstore.CtrlFamily, e.ctrlLog.logdev)

	e.dataLog = buildFamily(logstore.DataFamily, dataInfo, accessors, dataPrimary, dataMirrors, o.DataLogVDev, o.Logger)
	e.dataLog.family = logstore.NewFamily(logstore.DataFamily, e.dataLog.logdev)

	if err := meta.Register(string(logstore.CtrlFamily), &vdevMetaHandler{vdevID: ctrlInfo.ID}); err != nil {
		return nil, err
	}
	if err := meta.Register(string(logstore.DataFamily), &vdevMetaHandler{vdevID: dataInfo.ID}); err != nil {
		return nil, err
	}
	if err := meta.Persist(string(logstore.CtrlFamily)); err != nil {
		return nil, err
	}
	if err := meta.Persist(string(logstore.DataFamily)); err != nil {
		return nil, err
	}

	sbHandler := &cpSuperBlockHandler{}
	if err := meta.Register(checkpoint.SuperBlockName, sbHandler); err != nil {
		return nil, err
	}
	e.cp = checkpoint.New(checkpoint.Options{
		Logger:         o.Logger,
		WatchdogPeriod: o.Config.CPWatchdogTimer,
		Persist: func(sb checkpoint.SuperBlock) error {
			sbHandler.sb = sb
			return meta.Persist(checkpoint.SuperBlockName)
		},
	})
	e.cp.Register(logStoreConsumer{name: string(logstore.CtrlFamily), family: e.ctrlLog.family})
	e.cp.Register(logStoreConsumer{name: string(logstore.DataFamily), family: e.dataLog.family})

	return e, nil
}

// Open reattaches to an existing engine instance: it loads the device
// topology, replays the meta-block service (which tells it which VDev
// backs each log family), recovers each family's Log Device and
// demultiplexes its stores, then stands up the Checkpoint Manager
// (spec.md §1, §4.5 recovery, §6 "replays each registered handler...
// before any component starts I/O").
func Open(fs vfs.FS, storeDir string, specs []DeviceSpec, o Options, scanLimit int64,
	ctrlCallbacks, dataCallbacks map[uint32]logstore.OnOpenCallback) (*Engine, []DanglingChunk, error) {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}

	loadSpecs := make([]device.LoadSpec, len(specs))
	for i, s := range specs {
		loadSpecs[i] = device.LoadSpec{Path: s.Path, Tier: s.Tier}
	}
	mgr, dangling, err := device.LoadDevices(fs, o.Config, loadSpecs)
	if err != nil {
		return nil, nil, err
	}
	danglingOut := make([]DanglingChunk, 0, len(dangling))
	for _, d := range dangling {
		o.Logger.Infof("storeengine: dangling chunk %d on pdev %d ignored (vdev %d never persisted)", d.ChunkID, d.PDevID, d.VDevID)
		danglingOut = append(danglingOut, DanglingChunk{ChunkID: d.ChunkID, PDevID: d.PDevID})
	}

	meta := metablock.Open(fs, storeDir)
	e := &Engine{fs: fs, storeDir: storeDir, logger: o.Logger, devices: mgr, meta: meta}

	ctrlMeta := &vdevMetaHandler{}
	if err := meta.Register(string(logstore.CtrlFamily), ctrlMeta); err != nil {
		return nil, nil, err
	}
	dataMeta := &vdevMetaHandler{}
	if err := meta.Register(string(logstore.DataFamily), dataMeta); err != nil {
		return nil, nil, err
	}
	sbHandler := &cpSuperBlockHandler{}
	if err := meta.Register(checkpoint.SuperBlockName, sbHandler); err != nil {
		return nil, nil, err
	}

	accessors := mgr.PDevAccessors()

	ctrlInfo, ctrlPrimary, ctrlMirrors, err := mgr.OpenVDev(ctrlMeta.vdevID)
	if err != nil {
		return nil, nil, err
	}
	ctrlVD := buildVDev(ctrlInfo, accessors, ctrlPrimary, ctrlMirrors)
	recoveredCtrlDevice, ctrlRecs, err := logdevice.Recover(logdevice.Options{
		VDev:        ctrlVD,
		FlushUnit:   defaultFlushUnit(o.CtrlLogVDev),
		FlushPeriod: o.CtrlLogVDev.FlushPeriod,
		Logger:      o.Logger,
	}, scanLimit)
	if err != nil {
		return nil, nil, err
	}
	e.ctrlLog = &logFamily{vd: ctrlVD, logdev: recoveredCtrlDevice}
	e.ctrlLog.family = logstore.OpenFamily(logstore.CtrlFamily, e.ctrlLog.logdev, ctrlRecs, ctrlCallbacks)

	dataInfo, dataPrimary, dataMirrors, err := mgr.OpenVDev(dataMeta.vdevID)
	if err != nil {
		return nil, nil, err
	}
	dataVD := buildVDev(dataInfo, accessors, dataPrimary, dataMirrors)
	recoveredDataDevice, dataRecs, err := logdevice.Recover(logdevice.Options{
		VDev:        dataVD,
		FlushUnit:   defaultFlushUnit(o.DataLogVDev),
		FlushPeriod: o.DataLogVDev.FlushPeriod,
		Logger:      o.Logger,
	}, scanLimit)
	if err != nil {
		return nil, nil, err
	}
	e.dataLog = &logFamily{vd: dataVD, logdev: recoveredDataDevice}
	e.dataLog.family = logstore.OpenFamily(logstore.DataFamily, e.dataLog.logdev, dataRecs, dataCallbacks)

	e.cp = checkpoint.New(checkpoint.Options{
		Logger:         o.Logger,
		WatchdogPeriod: o.Config.CPWatchdogTimer,
		Persist: func(sb checkpoint.SuperBlock) error {
			sbHandler.sb = sb
			return meta.Persist(checkpoint.SuperBlockName)
		},
	})
	e.cp.Register(logStoreConsumer{name: string(logstore.CtrlFamily), family: e.ctrlLog.family})
	e.cp.Register(logStoreConsumer{name: string(logstore.DataFamily), family: e.dataLog.family})

	return e, danglingOut, nil
}

func buildFamily(name logstore.FamilyName, info vdev.Info, accessors map[uint32]vdev.PDevAccessor,
	primary []chunk.Info, mirrors map[uint32][]chunk.Info, p LogVDevParams, logger base.Logger) *logFamily {
	vd := vdev.New(info, accessors, primary, mirrors)
	ld := logdevice.New(logdevice.Options{
		VDev:        vd,
		FlushUnit:   defaultFlushUnit(p),
		FlushPeriod: p.FlushPeriod,
		Logger:      logger,
	})
	return &logFamily{vd: vd, logdev: ld}
}

func buildVDev(info vdev.Info, accessors map[uint32]vdev.PDevAccessor,
	primary []chunk.Info, mirrors map[uint32][]chunk.Info) *vdev.VDev {
	return vdev.New(info, accessors, primary, mirrors)
}

// Close tears the engine down: the Checkpoint Manager's watchdog and
// I/O queue first, then both Log Devices, then every PDev.
func (e *Engine) Close() error {
	e.cp.Close()
	e.ctrlLog.logdev.Close()
	e.dataLog.logdev.Close()
	return e.devices.Close()
}

// CheckpointManager returns the engine's Checkpoint Manager, for
// embedders that want to force a flush (spec.md §4.6 trigger_cp_flush).
func (e *Engine) CheckpointManager() *checkpoint.Manager { return e.cp }

// DeviceManager returns the engine's Device Manager, for embedders that
// need to create additional VDevs beyond the two built-in log families.
func (e *Engine) DeviceManager() *device.Manager { return e.devices }

// CtrlLogFamily and DataLogFamily return the engine's two well-known
// Log Store families (spec.md §4.5).
func (e *Engine) CtrlLogFamily() *logstore.Family { return e.ctrlLog.family }
func (e *Engine) DataLogFamily() *logstore.Family { return e.dataLog.family }
