// Command xrdclient is an interactive shell over the client core packages,
// grounded on the teacher's cmd/dtn-tool: a small, single-binary multiplexer
// over a handful of otherwise-independent operations, with argument parsing
// done by hand rather than through a flag-parsing library.
package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ljanyst/xrdclient/pkg/xrdchannel"
	"github.com/ljanyst/xrdclient/pkg/xrdenv"
	"github.com/ljanyst/xrdclient/pkg/xrdfile"
	"github.com/ljanyst/xrdclient/pkg/xrdfs"
	"github.com/ljanyst/xrdclient/pkg/xrdmonitor"
	"github.com/ljanyst/xrdclient/pkg/xrdpost"
	"github.com/ljanyst/xrdclient/pkg/xrdurl"
)

func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage: %s root://host[:port][/path] [config.toml]\n\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "Starts an interactive shell against the given redirector.\n")
	_, _ = fmt.Fprintf(os.Stderr, "Type \"help\" at the prompt for the list of commands.\n")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
	}

	env := xrdenv.New()
	env.ImportShell()
	if len(os.Args) >= 3 {
		if err := env.LoadFile(os.Args[2]); err != nil {
			log.WithError(err).Fatal("failed to load configuration file")
		}
	}
	if err := env.ConfigureLogging(); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	base, status := xrdurl.Parse(os.Args[1])
	if status != nil {
		log.WithField("error", status).Fatal("invalid redirector url")
	}

	pm := xrdpost.New(xrdpost.Options{
		Config: xrdchannel.Config{
			StreamCount:       env.GetInt("StreamsPerChannel", 1),
			ConnectionWindow:  time.Duration(env.GetInt("ConnectionWindow", 30)) * time.Second,
			StreamErrorWindow: time.Duration(env.GetInt("StreamErrorWindow", 60)) * time.Second,
			ConnectionRetry:   env.GetInt("ConnectionRetry", 5),
		},
		CacheDir: env.GetString("CacheDir", ""),
	})
	pm.Start()
	defer pm.Stop()

	if addr := env.GetString("MonitorAddr", ""); addr != "" {
		mon := xrdmonitor.New(pm)
		if err := mon.ListenAndServe(addr); err != nil {
			log.WithError(err).Fatal("failed to start diagnostics monitor")
		}
		defer mon.Close()
		log.WithField("addr", addr).Info("diagnostics monitor listening")
	}

	fs := xrdfs.New(pm, base)
	fs.SetCacheTTLs(
		time.Duration(env.GetInt("DataServerTTL", 300))*time.Second,
		time.Duration(env.GetInt("ManagerTTL", 1200))*time.Second,
	)

	r := &repl{
		fs:        fs,
		cwd:       env.GetString("CWD", "/"),
		openFiles: make(map[string]*xrdfile.File),
		in:        bufio.NewScanner(os.Stdin),
		out:       os.Stdout,
		errOut:    os.Stderr,
	}
	os.Exit(r.run())
}
