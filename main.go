package main

import (
	"context"
	"flag"
	"io"
	"os"

	"k8s.io/klog/v2"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

var (
	version = "dev"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command line and returns the process exit code.
func run(args []string) int {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	// quiet until the debug setting is known, flag errors included
	setupLogging(klogFlags, false)

	root := newRootCommand(klogFlags)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	if err != nil {
		klog.ErrorS(err, "replset-bootstrap failed")
	}
	klog.Flush()

	return failure.ExitCode(err)
}

// setupLogging routes klog to stderr with step detail when debug is on.
// Otherwise nothing is written anywhere, errors included, so a normal run
// only reports through its exit code.
func setupLogging(klogFlags *flag.FlagSet, debug bool) {
	if debug {
		_ = klogFlags.Set("v", "2")
		_ = klogFlags.Set("stderrthreshold", "INFO")
		_ = klogFlags.Set("logtostderr", "true")
		return
	}

	_ = klogFlags.Set("logtostderr", "false")
	_ = klogFlags.Set("alsologtostderr", "false")
	_ = klogFlags.Set("stderrthreshold", "FATAL")
	klog.SetOutput(io.Discard)
}
