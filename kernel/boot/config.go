package boot

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/Rohit12234/Escape/kernel"
)

const (
	defaultMemSize        = 64 << 20
	defaultContiguousSize = 4 << 20
	defaultKernelReserved = 1 << 20
	defaultCPUs           = 1
	defaultMaxThreads     = 1024

	pageSize = 4096
)

var (
	errBadSize       = &kernel.Error{Module: "boot", Message: "malformed size argument", Kind: kernel.KindInvalidArgument}
	errBadNumber     = &kernel.Error{Module: "boot", Message: "malformed numeric argument", Kind: kernel.KindInvalidArgument}
	errBadConstraint = &kernel.Error{Module: "boot", Message: "malformed version constraint", Kind: kernel.KindInvalidArgument}
	errBadVersion    = &kernel.Error{Module: "boot", Message: "malformed kernel version", Kind: kernel.KindInvalidArgument}
	errLayout        = &kernel.Error{Module: "boot", Message: "kernel reservation and contiguous pool do not fit in memory", Kind: kernel.KindInvalidArgument}

	// ErrVersionMismatch is returned by CheckVersion when the running kernel
	// does not satisfy the require= constraint.
	ErrVersionMismatch = &kernel.Error{Module: "boot", Message: "kernel version does not satisfy require= constraint", Kind: kernel.KindInvalidArgument}
)

// Config holds the settings derived from the kernel command line.
type Config struct {
	// MemSize is the amount of simulated physical RAM in bytes.
	MemSize uint64

	// ContiguousSize is the size of the contiguous (DMA) frame pool.
	ContiguousSize uint64

	// KernelReserved is the size of the low memory area occupied by the
	// kernel image. It is never handed out by the frame allocator.
	KernelReserved uint64

	// CPUs is the number of simulated CPUs.
	CPUs int

	// MaxThreads bounds the thread id space.
	MaxThreads int

	// Require is an optional constraint on the kernel version.
	Require *semver.Constraints

	// Args holds the raw key/value pairs of the command line.
	Args map[string]string
}

// ParseConfig builds a Config from cmdLine. Recognized keys are mem, contmem,
// kernel, cpus, maxthreads and require; unknown keys are kept in Args.
func ParseConfig(cmdLine string) (*Config, *kernel.Error) {
	cfg := &Config{
		MemSize:        defaultMemSize,
		ContiguousSize: defaultContiguousSize,
		KernelReserved: defaultKernelReserved,
		CPUs:           defaultCPUs,
		MaxThreads:     defaultMaxThreads,
		Args:           ParseCmdLine(cmdLine),
	}

	var err *kernel.Error
	for key, value := range cfg.Args {
		switch key {
		case "mem":
			cfg.MemSize, err = parseSize(value)
		case "contmem":
			cfg.ContiguousSize, err = parseSize(value)
		case "kernel":
			cfg.KernelReserved, err = parseSize(value)
		case "cpus":
			cfg.CPUs, err = parseCount(value)
		case "maxthreads":
			cfg.MaxThreads, err = parseCount(value)
		case "require":
			c, cErr := semver.NewConstraint(value)
			if cErr != nil {
				err = errBadConstraint
			}
			cfg.Require = c
		}

		if err != nil {
			return nil, err
		}
	}

	cfg.MemSize = alignDown(cfg.MemSize)
	cfg.ContiguousSize = alignDown(cfg.ContiguousSize)
	cfg.KernelReserved = alignUp(cfg.KernelReserved)
	if cfg.KernelReserved < pageSize {
		// frame 0 is never handed out
		cfg.KernelReserved = pageSize
	}

	if cfg.KernelReserved+cfg.ContiguousSize >= cfg.MemSize {
		return nil, errLayout
	}

	return cfg, nil
}

// CheckVersion returns ErrVersionMismatch if a require= constraint was
// supplied and version does not satisfy it.
func (c *Config) CheckVersion(version string) *kernel.Error {
	if c.Require == nil {
		return nil
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return errBadVersion
	}

	if !c.Require.Check(v) {
		return ErrVersionMismatch
	}

	return nil
}

// parseSize parses a byte count with an optional K, M or G suffix.
func parseSize(value string) (uint64, *kernel.Error) {
	var shift uint
	switch {
	case strings.HasSuffix(value, "K"), strings.HasSuffix(value, "k"):
		shift = 10
	case strings.HasSuffix(value, "M"), strings.HasSuffix(value, "m"):
		shift = 20
	case strings.HasSuffix(value, "G"), strings.HasSuffix(value, "g"):
		shift = 30
	}
	if shift != 0 {
		value = value[:len(value)-1]
	}

	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil || n > (^uint64(0))>>shift {
		return 0, errBadSize
	}

	return n << shift, nil
}

func parseCount(value string) (int, *kernel.Error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, errBadNumber
	}

	return n, nil
}

func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }

func alignUp(v uint64) uint64 { return (v + pageSize - 1) &^ (pageSize - 1) }
