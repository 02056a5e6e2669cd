package main

import (
	"flag"
	"fmt"
	"os"
)

const appVersion = "1.2.0"

func main() {
	cfgFlag := flag.String("config", "", "config file location")
	levelFlag := flag.String("log-level", "info", "log level")
	consoleFlag := flag.Bool("console", false, "log human-readable to stderr")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Println("bluegauge " + appVersion)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	cfgPath := *cfgFlag
	if cfgPath == "" {
		var err error
		cfgPath, err = DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	var err error
	switch args[0] {
	case "daemon":
		log, lerr := setupLogging(cfgPath, *levelFlag, *consoleFlag)
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", lerr)
			os.Exit(1)
		}
		log.Info().Str("version", appVersion).Msg("bluegauge starting")
		err = runDaemon(cfgPath, log)
	case "status":
		err = runStatus()
	case "devices":
		err = runDevices()
	case "force":
		err = runForce()
	case "watch":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		err = runWatch(args[1])
	case "unwatch":
		err = runUnwatch()
	case "history":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		err = runHistory(args[1])
	case "set":
		if len(args) < 3 {
			usage()
			os.Exit(1)
		}
		err = runSet(args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
