// Package transfertest fakes the transfer tool by re-executing the test
// binary. A package using it needs:
//
//	func TestHelperProcess(t *testing.T) { transfertest.Main() }
package transfertest

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"r2clone/internal/transfer"
)

const (
	envHelper = "R2CLONE_FAKE_TOOL"
	envMode   = "R2CLONE_FAKE_MODE"
	envSize   = "R2CLONE_FAKE_SIZE"
)

// Copy modes.
const (
	ModeOK       = "ok"       // copies two files, exits 0
	ModeNothing  = "nothing"  // reports nothing to transfer, exits 0
	ModeFail     = "fail"     // logs an error, exits 1
	ModeNetwork  = "network"  // logs a dial error, exits 1
	ModeGraceful = "graceful" // waits for SIGTERM, then exits 0
	ModeBlock    = "block"    // waits until killed
	ModeFatal    = "fatal"    // logs a fatal error, waits until killed
)

// Tool returns a transfer tool running the fake in the given copy mode. size
// is what the size query reports: a byte count, or "fail" / "garbage".
func Tool(mode, size string) *transfer.Tool {
	return &transfer.Tool{
		Binary:      os.Args[0],
		BaseArgs:    []string{"-test.run=TestHelperProcess", "--"},
		Env:         []string{envHelper + "=1", envMode + "=" + mode, envSize + "=" + size},
		SizeTimeout: 5 * time.Second,
	}
}

// Main acts as the tool when the binary was started by Tool and never returns
// in that case.
func Main() {
	if os.Getenv(envHelper) != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(2)
	}
	switch args[0] {
	case "size":
		size(os.Getenv(envSize))
	case "copy":
		if len(args) < 3 {
			os.Exit(1)
		}
		copyTree(os.Getenv(envMode), args[2])
	}
	os.Exit(1)
}

func size(v string) {
	switch v {
	case "fail":
		fmt.Fprintln(os.Stderr, "ERROR : directory not found")
		os.Exit(3)
	case "garbage":
		fmt.Println("Total objects: ???")
	default:
		fmt.Printf("{\"count\":2,\"bytes\":%s}\n", v)
	}
	os.Exit(0)
}

func copyTree(mode, dest string) {
	switch mode {
	case ModeOK:
		fmt.Println("0 B / 3 KiB, 0%, 0 B/s, ETA -")
		write(dest, "a.txt", 1024)
		fmt.Println("INFO  : a.txt: Copied (new)")
		fmt.Fprintln(os.Stderr, "1 KiB / 3 KiB, 33%, 1 KiB/s, ETA 2s")
		write(dest, "dir/b.txt", 2048)
		fmt.Println("INFO  : dir/b.txt: Copied (new)")
		fmt.Println("DEBUG : c.txt: Unchanged skipping")
		fmt.Println("3 KiB / 3 KiB, 100%, 1 KiB/s, ETA 0s")
		os.Exit(0)
	case ModeNothing:
		fmt.Println("NOTICE: There was nothing to transfer")
		os.Exit(0)
	case ModeFail:
		fmt.Fprintln(os.Stderr, "ERROR : a.txt: Failed to copy: AccessDenied")
		os.Exit(1)
	case ModeNetwork:
		fmt.Fprintln(os.Stderr, "ERROR : Attempt 1/3 failed: dial tcp: lookup example.r2.dev: no such host")
		os.Exit(1)
	case ModeGraceful:
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM)
		fmt.Println("1 KiB / 3 KiB, 33%, 1 KiB/s, ETA 2s")
		select {
		case <-c:
		case <-time.After(30 * time.Second):
		}
		os.Exit(0)
	case ModeBlock:
		fmt.Println("1 KiB / 3 KiB, 33%, 1 KiB/s, ETA 2s")
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case ModeFatal:
		fmt.Fprintln(os.Stderr, `Failed to create file system for "r2:missing": didn't find section in config file`)
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}
}

func write(dest, name string, n int) {
	p := filepath.Join(dest, name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		os.Exit(4)
	}
	if err := os.WriteFile(p, make([]byte, n), 0644); err != nil {
		os.Exit(4)
	}
}
