package common

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

var (
	kernel32DLL        = windows.NewLazySystemDLL("kernel32.dll")
	setConsoleOutputCP = kernel32DLL.NewProc("SetConsoleOutputCP")
)

const utf8CodePage = 65001

func init() {
	// Streamed tokens are redrawn with ANSI sequences and may carry multi-byte characters.
	// See: https://learn.microsoft.com/en-us/windows/console/console-virtual-terminal-sequences#output-sequences
	var outMode uint32
	out := windows.Handle(os.Stdout.Fd())
	if err := windows.GetConsoleMode(out, &outMode); err != nil {
		return
	}
	outMode |= windows.ENABLE_PROCESSED_OUTPUT | windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING
	_ = windows.SetConsoleMode(out, outMode)

	if ret, _, err := setConsoleOutputCP.Call(uintptr(utf8CodePage)); ret == 0 {
		fmt.Fprintf(os.Stderr, "Couldn't set console output codepage: %v\n", err)
	}
}
