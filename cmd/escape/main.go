// Command escape boots the hosted kernel and optionally runs its self tests.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Rohit12234/Escape/kernel/kfmt"
	"github.com/Rohit12234/Escape/kernel/kmain"
	"github.com/Rohit12234/Escape/kernel/ktest"
)

func main() {
	var (
		cmdLine     string
		selfTest    bool
		showVersion bool
	)

	flag.StringVar(&cmdLine, "cmdline", "mem=64M contmem=4M cpus=2", "kernel command line")
	flag.BoolVar(&selfTest, "selftest", false, "run the kernel self tests after boot")
	flag.BoolVar(&showVersion, "version", false, "show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("escape %s\n", kmain.Version)
		return
	}

	kfmt.SetOutputSink(os.Stdout)

	k, err := kmain.Boot(cmdLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot failed: [%s] %s\n", err.Module, err.Message)
		os.Exit(1)
	}

	failed := 0
	if selfTest {
		failed = ktest.Run(k, ktest.All()...).Failed
	}

	k.Tasks.DumpTo(os.Stdout)
	k.Shutdown()

	if failed != 0 {
		os.Exit(1)
	}
}
