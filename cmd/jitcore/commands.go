package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/retroenv/retrogolib/log"
	"github.com/spf13/cobra"

	"github.com/sarchlab/jitcore/arch"
	"github.com/sarchlab/jitcore/config"
	"github.com/sarchlab/jitcore/emu"
	"github.com/sarchlab/jitcore/loader"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	debug      bool
	quiet      bool
}

// settings loads the config file if one was given, then applies the
// environment and the command line flags on top of it.
func (o *options) settings() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		var err error
		cfg, err = config.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv()
	if o.debug {
		cfg.Debug = true
	}
	if o.quiet {
		cfg.Quiet = true
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "jitcore",
		Short:        "Register layouts and guarded guest memory for a JIT core",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to JSON configuration file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Only log errors")

	rootCmd.AddCommand(
		newArchesCmd(),
		newOffsetsCmd(opts),
		newRegsCmd(opts),
		newLoadCmd(opts),
	)
	return rootCmd
}

func newArchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arches",
		Short: "List the built-in architectures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range arch.Names() {
				a, err := arch.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-8s %-6s %3d registers, %d byte state\n",
					a.Name, byteOrderName(a), a.Layout.Len(), a.Layout.Size())
			}
			return nil
		},
	}
}

// offsetTable is the JSON form printed by "offsets --json".
type offsetTable struct {
	Arch           string            `json:"arch"`
	ByteOrder      string            `json:"byte_order"`
	Size           uint32            `json:"size"`
	Registers      []arch.Descriptor `json:"registers"`
	ExceptionFlags arch.Descriptor   `json:"exception_flags"`
	SPRAccess      arch.Descriptor   `json:"spr_access"`
}

func newOffsetsCmd(opts *options) *cobra.Command {
	var archName string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "offsets",
		Short: "Print the state buffer offset of every register",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveArch(opts, archName)
			if err != nil {
				return err
			}
			return printOffsets(cmd.OutOrStdout(), a, asJSON)
		},
	}
	cmd.Flags().StringVar(&archName, "arch", "", "Architecture name (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func printOffsets(out io.Writer, a *arch.Arch, asJSON bool) error {
	l := a.Layout
	if asJSON {
		data, err := json.MarshalIndent(offsetTable{
			Arch:           a.Name,
			ByteOrder:      byteOrderName(a),
			Size:           l.Size(),
			Registers:      l.Descriptors(),
			ExceptionFlags: l.ExceptionFlags(),
			SPRAccess:      l.SPRAccess(),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize offsets: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	fields := append(l.Descriptors(), l.ExceptionFlags(), l.SPRAccess())
	for _, d := range fields {
		if _, err := fmt.Fprintf(out, "%-16s %5d %3d\n", d.Name, d.Offset, d.Width); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "%-16s %5d\n", "size", l.Size())
	return err
}

func newRegsCmd(opts *options) *cobra.Command {
	var archName string
	var sets []string

	cmd := &cobra.Command{
		Use:   "regs",
		Short: "Dump a register file, optionally after setting registers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveArch(opts, archName)
			if err != nil {
				return err
			}

			values, err := parseAssignments(sets)
			if err != nil {
				return err
			}

			cpu := emu.NewCPU(a.Layout)
			if err := cpu.RegFile().WriteAll(values); err != nil {
				return err
			}
			return cpu.RegFile().Dump(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&archName, "arch", "", "Architecture name (default from config)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Register assignment name=value, repeatable")
	return cmd
}

// parseAssignments parses name=value pairs. Values accept Go integer
// literal prefixes (0x, 0o, 0b).
func parseAssignments(sets []string) (map[string]uint64, error) {
	values := make(map[string]uint64, len(sets))
	for _, s := range sets {
		name, raw, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected name=value", s)
		}
		v, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", name, err)
		}
		values[name] = v
	}
	return values, nil
}

func newLoadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "load <program.elf>",
		Short: "Load an ELF image into guest memory and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.settings()
			if err != nil {
				return err
			}
			logger := config.CreateLogger(cfg.Debug, cfg.Quiet)

			if err := loadProgram(cmd.OutOrStdout(), cfg, logger, args[0]); err != nil {
				logger.Error("Loading program failed", log.String("path", args[0]), log.Err(err))
				return err
			}
			return nil
		},
	}
}

// loadProgram maps an ELF image into a machine of the image's
// architecture and points the PC at its entry.
func loadProgram(out io.Writer, cfg *config.Config, logger *log.Logger, path string) error {
	prog, err := loader.Load(path)
	if err != nil {
		return err
	}

	cfg = cfg.Clone()
	cfg.Arch = prog.Arch
	cfg.ByteOrder = ""

	m, err := cfg.NewMachine(logger)
	if err != nil {
		return err
	}

	if err := prog.MapInto(m.Memory, m.CPU.MemWriter()); err != nil {
		return err
	}
	if err := m.CPU.RegFile().WriteReg("PC", prog.EntryPoint); err != nil {
		return err
	}

	fmt.Fprintf(out, "Loaded: %s (%s)\n", path, prog.Arch)
	fmt.Fprintf(out, "Entry point: 0x%X\n", prog.EntryPoint)
	fmt.Fprintf(out, "Segments: %d\n", len(prog.Segments))
	for _, r := range m.Memory.Regions() {
		fmt.Fprintf(out, "  0x%08X-0x%08X %s\n", r.Addr, r.Addr+r.Size, r.Prot)
	}
	return nil
}

// resolveArch returns the named architecture, or the configured one when
// name is empty.
func resolveArch(opts *options, name string) (*arch.Arch, error) {
	if name == "" {
		cfg, err := opts.settings()
		if err != nil {
			return nil, err
		}
		name = cfg.Arch
	}
	return arch.Lookup(name)
}

func byteOrderName(a *arch.Arch) string {
	if a.ByteOrder == binary.BigEndian {
		return "big"
	}
	return "little"
}
