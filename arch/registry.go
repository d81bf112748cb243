package arch

import (
	"embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
)

//go:embed data/*.json
var dataFiles embed.FS

// Arch is a built-in architecture: its register layout and the byte order
// of its guest memory.
type Arch struct {
	Name      string
	ByteOrder binary.ByteOrder
	Layout    *Layout
}

type archFile struct {
	Name      string    `json:"name"`
	ByteOrder string    `json:"byte_order"`
	Registers []RegSpec `json:"registers"`
}

var (
	registryOnce sync.Once
	registry     map[string]*Arch
)

func loadRegistry() {
	registry = make(map[string]*Arch)

	entries, err := dataFiles.ReadDir("data")
	if err != nil {
		panic(fmt.Sprintf("arch: reading embedded data: %v", err))
	}

	for _, e := range entries {
		a, err := parseArch(path.Join("data", e.Name()))
		if err != nil {
			panic(fmt.Sprintf("arch: %v", err))
		}
		registry[a.Name] = a
	}
}

func parseArch(file string) (*Arch, error) {
	data, err := dataFiles.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	var f archFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}

	order, err := ParseByteOrder(f.ByteOrder)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}

	layout, err := Pack(f.Name, f.Registers)
	if err != nil {
		return nil, err
	}

	return &Arch{Name: f.Name, ByteOrder: order, Layout: layout}, nil
}

// ParseByteOrder converts "little" or "big" to a binary.ByteOrder.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "little", "":
		return binary.LittleEndian, nil
	case "big":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", s)
}

// Lookup returns the built-in architecture with the given name.
func Lookup(name string) (*Arch, error) {
	registryOnce.Do(loadRegistry)

	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q", name)
	}
	return a, nil
}

// Names lists the built-in architectures in sorted order.
func Names() []string {
	registryOnce.Do(loadRegistry)

	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
