// Package flags configures the logging flags common to every
// topicmeshd/topicmesh-admin process.
package flags

import (
	"flag"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"k8s.io/klog/v2"

	"github.com/topicmesh/broker/pkg/version"
)

// ConfigureAndParse adds flags common to every process to cmd, then
// parses args against it. Must be called after all other flags have
// been registered on cmd.
func ConfigureAndParse(cmd *flag.FlagSet, args []string) {
	var klogFlags flag.FlagSet
	klog.InitFlags(&klogFlags)
	_ = klogFlags.Set("stderrthreshold", "FATAL")
	_ = klogFlags.Set("logtostderr", "false")

	logLevel := cmd.String("log-level", log.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug")
	printVersion := cmd.Bool("version", false, "print version and exit")

	_ = cmd.Parse(args)

	setLogLevel(*logLevel)
	maybePrintVersionAndExit(*printVersion)
}

func setLogLevel(logLevel string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("invalid log-level: %s", logLevel)
	}
	log.SetLevel(level)

	klog.SetOutput(io.Discard)
	if level == log.DebugLevel {
		klog.SetOutputBySeverity("INFO", os.Stderr)
	}
}

func maybePrintVersionAndExit(printVersion bool) {
	if printVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}
	log.Infof("running version %s", version.Version)
}
