// Command lib86cpu is a small demo host for the translation core: it
// loads a flat raw binary into RAM, boots a Cpu at a chosen entry point,
// and either runs it to halt or prints a guest-code disassembly listing.
// It plays the role the teacher's own standalone CLI entrypoint plays for
// RecompilerVM: enough wiring of the external collaborators (Decoder,
// MMU, Bus, TSS) to actually execute something, not a production VMM.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/colorfulnotion/lib86cpu/asmx86"
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/dispatcher"
	"github.com/colorfulnotion/lib86cpu/internal/xlog"
	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
)

const descFlagDB = 1 << 22 // CS/SS descriptor D/B bit: 32-bit default operand size

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lib86cpu",
		Short: "dynamic binary translation core for 32-bit x86",
	}
	root.AddCommand(runCmd(), disasmCmd())
	return root
}

func runCmd() *cobra.Command {
	var (
		base      uint32
		entry     uint32
		ramSize   int
		protected bool
		maxBlocks int
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "boot a flat raw binary and run it to halt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			ram := newFlatRAM(ramSize)
			if err := ram.loadAt(base, img); err != nil {
				return err
			}

			level := xlog.LevelWarn
			if verbose {
				level = xlog.LevelTrace
			}
			log := xlog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			cpu := dispatcher.New(dispatcher.Config{
				Decoder: x86Decoder{},
				MMU:     ram,
				Bus:     ram,
				TSS:     allPortsAllowed{},
				TCCap:   4096,
				Log:     log,
			})

			ctx := cpu.Ctx()
			bootSegment(ctx, entry, protected)

			if err := cpu.Run(maxBlocks); err != nil {
				return err
			}
			printState(ctx)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&base, "base", 0, "physical address the image is loaded at")
	cmd.Flags().Uint32Var(&entry, "entry", 0, "initial EIP (used as given; --base is not added to it)")
	cmd.Flags().IntVar(&ramSize, "ram", 1<<20, "flat RAM size in bytes")
	cmd.Flags().BoolVar(&protected, "protected32", false, "boot with CR0.PE set and a 32-bit flat CS/SS instead of real mode")
	cmd.Flags().IntVar(&maxBlocks, "max-blocks", 0, "stop after this many translated-block executions (0 = until halted)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "trace-level logging of every core package")
	return cmd
}

// bootSegment installs a flat CS/DS/SS covering all of RAM (base 0, limit
// 0xFFFFFFFF) and points EIP at entry. With protected=true it also sets
// CR0.PE and the D/B bit on CS/SS, matching protected32 flat-mode boot
// the way a second-stage loader would hand off to a 32-bit kernel; with
// protected=false it leaves CpuContext.New's real-mode reset state (CS
// selector F000, base 0xFFFF0000) and only moves EIP, so entry is relative
// to that segment's base unless the caller also relies on base==0.
func bootSegment(ctx *cpuctx.CpuContext, entry uint32, protected bool) {
	if protected {
		ctx.CR0 |= 1
		flags := uint32(descFlagDB)
		ctx.WriteSeg(cpuctx.SegCS, 0x08, 0, 0xFFFFFFFF, flags)
		ctx.WriteSeg(cpuctx.SegDS, 0x10, 0, 0xFFFFFFFF, flags)
		ctx.WriteSeg(cpuctx.SegSS, 0x10, 0, 0xFFFFFFFF, flags)
		ctx.WriteSeg(cpuctx.SegES, 0x10, 0, 0xFFFFFFFF, flags)
		ctx.RecomputeHflags()
	}
	ctx.EIP = entry
}

func printState(ctx *cpuctx.CpuContext) {
	names := []string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}
	for i, n := range names {
		fmt.Printf("%s=%#010x ", n, ctx.ReadGPR(i, cpuctx.S32))
	}
	fmt.Println()
	fmt.Printf("EIP=%#010x halted=%v\n", ctx.EIP, ctx.Halted != 0)
}

func disasmCmd() *cobra.Command {
	var (
		host bool
		bits int
	)
	cmd := &cobra.Command{
		Use:   "disasm <file>",
		Short: "disassemble a raw code blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if host {
				fmt.Print(asmx86.Disassemble(code))
				return nil
			}
			offset := 0
			for offset < len(code) {
				inst, err := x86asm.Decode(code[offset:], bits)
				length := inst.Len
				if err != nil || length == 0 {
					length = 1
				}
				text := "(bad)"
				if err == nil {
					text = inst.String()
				}
				fmt.Printf("%#06x: %s\n", offset, text)
				offset += length
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&host, "host", false, "disassemble as 64-bit host code (e.g. a dumped TB) instead of guest code")
	cmd.Flags().IntVar(&bits, "bits", 32, "guest decode width: 16 or 32")
	return cmd
}
