package config

import (
	"fmt"

	"github.com/retroenv/retrogolib/log"

	"github.com/sarchlab/jitcore/arch"
	"github.com/sarchlab/jitcore/emu"
	"github.com/sarchlab/jitcore/jit"
	"github.com/sarchlab/jitcore/vm"
)

// Machine is a CPU wired to its guest memory and code cache.
type Machine struct {
	Arch   *arch.Arch
	Memory *vm.Manager
	Cache  *jit.CodeCache
	CPU    *emu.CPU
}

// NewMachine assembles a Machine from the configuration.
func (c *Config) NewMachine(logger *log.Logger) (*Machine, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a, order, err := c.ResolveArch()
	if err != nil {
		return nil, err
	}

	memory := vm.NewManager(
		vm.WithPageSize(c.PageSize),
		vm.WithByteOrder(order),
		vm.WithLogger(logger),
	)

	cache, err := jit.New(c.CodeCache(), memory, jit.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	cpu := emu.NewCPU(a.Layout,
		emu.WithMemory(memory),
		emu.WithInvalidator(cache),
	)

	return &Machine{
		Arch:   a,
		Memory: memory,
		Cache:  cache,
		CPU:    cpu,
	}, nil
}
