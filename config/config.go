// Package config declares the engine's recognized configuration keys
// (spec.md §6) as a typed struct with the teacher's own defaults-struct
// convention (internal/base/options.go). Loading these values from a
// file or flags is out of scope (spec.md §1); embedders construct a
// Config in process and pass it to engine.Open/engine.Format.
package config

import "time"

// Config collects the tunables spec.md §6 calls out by name.
type Config struct {
	// CPTimer holds the cp_timer_us value. Nothing in the engine reads
	// it: checkpoints run only when TriggerCPFlush is called.
	// Config key: cp_timer_us.
	CPTimer time.Duration

	// CPWatchdogTimer is the checkpoint watchdog's sample period.
	// Config key: cp_watchdog_timer_sec.
	CPWatchdogTimer time.Duration

	// DirectIOMode holds the direct_io_mode value. Nothing in the engine
	// reads it: the Device Manager opens every PDev with buffered I/O.
	// Config key: direct_io_mode.
	DirectIOMode bool

	// MaxVDevs bounds the VDev super-block region's table size.
	// Config key: max_vdevs.
	MaxVDevs uint32

	// MaxChunks bounds the per-PDev chunk table size.
	// Config key: max_chunks.
	MaxChunks uint32

	// AtomicPhysPageSize is the super-block write granularity assumed
	// when the underlying device doesn't report one.
	// Config key: atomic_phys_page_size.
	AtomicPhysPageSize uint32
}

// Default returns a Config with the engine's default tunables.
func Default() Config {
	return Config{
		CPTimer:            60 * time.Second,
		CPWatchdogTimer:    10 * time.Second,
		DirectIOMode:       false,
		MaxVDevs:           256,
		MaxChunks:          4096,
		AtomicPhysPageSize: 4096,
	}
}
