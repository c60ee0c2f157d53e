//go:build !linux || !amd64

package translator

import (
	"github.com/colorfulnotion/lib86cpu/cpuctx"
	"github.com/colorfulnotion/lib86cpu/exception"
	"github.com/colorfulnotion/lib86cpu/memport"
)

// Helpers mirrors the linux/amd64 definition so package dispatcher can
// build SetActiveHelpers calls portably; only the emitted-code call
// targets below are unavailable off linux/amd64.
type Helpers struct {
	Ctx  *cpuctx.CpuContext
	Port *memport.Port
	Exc  *exception.Engine
}

func SetActiveHelpers(h *Helpers) {}

func memReadAddr() uint64     { panic("translator: memory hostcalls require linux/amd64") }
func memWriteAddr() uint64    { panic("translator: memory hostcalls require linux/amd64") }
func ioReadAddr() uint64      { panic("translator: I/O hostcalls require linux/amd64") }
func ioWriteAddr() uint64     { panic("translator: I/O hostcalls require linux/amd64") }
func writeCRAddr() uint64     { panic("translator: CR-write hostcalls require linux/amd64") }
func writeDRAddr() uint64     { panic("translator: DR-write hostcalls require linux/amd64") }
func loadSegmentAddr() uint64 { panic("translator: segment-load hostcalls require linux/amd64") }
func softIntAddr() uint64     { panic("translator: software-interrupt hostcalls require linux/amd64") }
func iretAddr() uint64        { panic("translator: IRET hostcalls require linux/amd64") }
