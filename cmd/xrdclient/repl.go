package main

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ljanyst/xrdclient/pkg/xrdfile"
	"github.com/ljanyst/xrdclient/pkg/xrdfs"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
)

// repl drives the interactive command loop against one FileSystem, tracking
// a client-side current working directory the way a local shell tracks one
// (the server has no notion of "current directory" of its own), plus the
// set of files opened by "fopen" and not yet "fclose"d.
type repl struct {
	fs  *xrdfs.FileSystem
	cwd string

	openFiles map[string]*xrdfile.File

	in     *bufio.Scanner
	out    io.Writer
	errOut io.Writer

	lastStatus *xrdstatus.Status
}

// resolve turns a command argument into an absolute path, relative to cwd
// unless the argument already starts with "/".
func (r *repl) resolve(arg string) string {
	if arg == "" {
		return r.cwd
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Clean(path.Join(r.cwd, arg))
}

func (r *repl) prompt() {
	fmt.Fprintf(r.out, "%s> ", r.cwd)
}

// run reads commands until EOF or "exit", returning the process exit code
// derived from the last operation's Status.
func (r *repl) run() int {
	r.prompt()
	for r.in.Scan() {
		line := strings.TrimSpace(r.in.Text())
		if line != "" {
			fields := strings.Fields(line)
			cmd, args := fields[0], fields[1:]
			if cmd == "exit" || cmd == "quit" {
				break
			}
			r.dispatch(cmd, args)
		}
		r.prompt()
	}
	fmt.Fprintln(r.out)
	return statusExitCode(r.lastStatus)
}

func (r *repl) dispatch(cmd string, args []string) {
	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(r.errOut, "unknown command %q, try \"help\"\n", cmd)
		r.lastStatus = xrdstatus.New(xrdstatus.KindUnknownCommand, "%s", cmd)
		return
	}
	r.lastStatus = handler(r, args)
	if r.lastStatus != nil && !r.lastStatus.IsOK() {
		fmt.Fprintf(r.errOut, "error: %v\n", r.lastStatus)
	}
}

// statusExitCode maps a terminal Status onto a process exit code, loosely
// following the BSD sysexits.h convention the way the teacher's own CLIs
// exit non-zero on any Fatal error via log.Fatal.
func statusExitCode(status *xrdstatus.Status) int {
	if status.IsOK() {
		return 0
	}
	switch status.Kind {
	case xrdstatus.KindInvalidArgs, xrdstatus.KindUnknownCommand:
		return 64 // EX_USAGE
	case xrdstatus.KindInvalidAddr, xrdstatus.KindInvalidRedirectURL:
		return 65 // EX_DATAERR
	case xrdstatus.KindConnectionError, xrdstatus.KindSocketError, xrdstatus.KindSocketTimeout, xrdstatus.KindSocketDisconnected:
		return 69 // EX_UNAVAILABLE
	case xrdstatus.KindOperationExpired:
		return 75 // EX_TEMPFAIL
	case xrdstatus.KindAuthError:
		return 77 // EX_NOPERM
	case xrdstatus.KindErrorResponse:
		return 1
	default:
		return 1
	}
}
