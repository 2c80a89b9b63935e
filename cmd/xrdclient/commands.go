package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ljanyst/xrdclient/pkg/xrdfs"
	"github.com/ljanyst/xrdclient/pkg/xrdproto"
	"github.com/ljanyst/xrdclient/pkg/xrdstatus"
)

// openModeByName maps the "fopen" command's mode argument onto the wire's
// OpenMode, defaulting callers of flagValue to "r" for read-only.
var openModeByName = map[string]xrdproto.OpenMode{
	"r": xrdproto.OpenRead,
	"u": xrdproto.OpenUpdate,
	"w": xrdproto.OpenWrite,
}

type commandFunc func(r *repl, args []string) *xrdstatus.Status

// commands is the dispatch table backing repl.dispatch, one entry per
// spec.md §4.10 filesystem-facade operation plus the client-side "cd" and
// the fopen/fclose/fread/fwrite/fsync file-handle commands.
var commands = map[string]commandFunc{
	"cd":       cmdCd,
	"ls":       cmdLs,
	"stat":     cmdStat,
	"statvfs":  cmdStatVFS,
	"locate":   cmdLocate,
	"mv":       cmdMv,
	"mkdir":    cmdMkdir,
	"rm":       cmdRm,
	"rmdir":    cmdRmdir,
	"chmod":    cmdChmod,
	"query":    cmdQuery,
	"truncate": cmdTruncate,
	"ping":     cmdPing,
	"fopen":    cmdFOpen,
	"fclose":   cmdFClose,
	"fread":    cmdFRead,
	"fwrite":   cmdFWrite,
	"fsync":    cmdFSync,
	"help":     cmdHelp,
}

// splitFlags separates leading "-x"/"-x<value>" tokens from the trailing
// positional arguments, the way getopt-style tools are hand-rolled in the
// teacher's own CLIs rather than pulled in from a flags package.
func splitFlags(args []string) (flags []string, rest []string) {
	i := 0
	for i < len(args) && strings.HasPrefix(args[i], "-") {
		flags = append(flags, args[i])
		i++
	}
	return flags, args[i:]
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

// flagValue looks for a "-x<value>" style flag (no separating space) and
// returns its value, e.g. flagValue(flags, "-m") on "-m0755" returns "0755".
func flagValue(flags []string, prefix string) (string, bool) {
	for _, f := range flags {
		if strings.HasPrefix(f, prefix) && f != prefix {
			return strings.TrimPrefix(f, prefix), true
		}
	}
	return "", false
}

func cmdCd(r *repl, args []string) *xrdstatus.Status {
	target := r.resolve(argAt(args, 0))
	info, status := r.fs.Stat(target)
	if status != nil {
		return status
	}
	if info.Flags&xrdproto.StatIsDir == 0 {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "%s is not a directory", target)
	}
	r.cwd = target
	return nil
}

func cmdLs(r *repl, args []string) *xrdstatus.Status {
	flags, rest := splitFlags(args)
	target := r.resolve(argAt(rest, 0))

	wantStat := hasFlag(flags, "-l")
	var dirFlags xrdfs.DirListFlags
	if wantStat {
		dirFlags |= xrdfs.DirListFlagStat
	}
	listing, status := r.fs.DirList(target, dirFlags, xrdproto.DirListOptions{})
	if listing == nil {
		return status
	}
	for _, e := range listing.Entries {
		if wantStat && e.Stat != nil {
			kind := "f"
			if e.Stat.Flags&xrdproto.StatIsDir != 0 {
				kind = "d"
			}
			fmt.Fprintf(r.out, "%s %10d %s\n", kind, e.Stat.Size, e.Name)
		} else {
			fmt.Fprintln(r.out, e.Name)
		}
	}
	return status
}

func cmdStat(r *repl, args []string) *xrdstatus.Status {
	target := r.resolve(argAt(args, 0))
	info, status := r.fs.Stat(target)
	if info == nil {
		return status
	}
	fmt.Fprintf(r.out, "id=%s size=%d flags=%d mtime=%d\n", info.ID, info.Size, info.Flags, info.MTime)
	return status
}

func cmdStatVFS(r *repl, args []string) *xrdstatus.Status {
	target := r.resolve(argAt(args, 0))
	info, status := r.fs.StatVFS(target)
	if info == nil {
		return status
	}
	fmt.Fprintf(r.out, "rw: nodes=%d free=%d util=%d%% staging: nodes=%d free=%d util=%d%%\n",
		info.NodesRW, info.FreeRW, info.UtilRW, info.NodesStaging, info.FreeStaging, info.UtilStaging)
	return status
}

func cmdLocate(r *repl, args []string) *xrdstatus.Status {
	flags, rest := splitFlags(args)
	target := r.resolve(argAt(rest, 0))
	opts := xrdproto.LocateOptions{
		Refresh: hasFlag(flags, "-r"),
		Deep:    hasFlag(flags, "-d"),
	}

	if opts.Deep {
		entries, status := r.fs.DeepLocate(target, opts)
		printLocateEntries(r, entries, hasFlag(flags, "-n"))
		return status
	}

	info, status := r.fs.Locate(target, opts)
	if info == nil {
		return status
	}
	printLocateEntries(r, info.Entries, hasFlag(flags, "-n"))
	return status
}

func printLocateEntries(r *repl, entries []xrdproto.LocationEntry, namesOnly bool) {
	for _, e := range entries {
		if namesOnly {
			fmt.Fprintln(r.out, e.Address)
			continue
		}
		kind := "server"
		if e.IsManager() {
			kind = "manager"
		}
		fmt.Fprintf(r.out, "%-8s %s\n", kind, e.Address)
	}
}

func cmdMv(r *repl, args []string) *xrdstatus.Status {
	if len(args) < 2 {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: mv oldpath newpath")
	}
	return r.fs.Mv(r.resolve(args[0]), r.resolve(args[1]))
}

func cmdMkdir(r *repl, args []string) *xrdstatus.Status {
	flags, rest := splitFlags(args)
	if argAt(rest, 0) == "" {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: mkdir [-p] [-m<mode>] path")
	}
	target := r.resolve(rest[0])
	mode := uint32(0755)
	if raw, ok := flagValue(flags, "-m"); ok {
		parsed, err := strconv.ParseUint(raw, 8, 32)
		if err != nil {
			return xrdstatus.New(xrdstatus.KindInvalidArgs, "invalid mode %q", raw)
		}
		mode = uint32(parsed)
	}
	return r.fs.Mkdir(target, mode, hasFlag(flags, "-p"))
}

func cmdRm(r *repl, args []string) *xrdstatus.Status {
	target := r.resolve(argAt(args, 0))
	if argAt(args, 0) == "" {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: rm path")
	}
	return r.fs.Rm(target)
}

func cmdRmdir(r *repl, args []string) *xrdstatus.Status {
	target := r.resolve(argAt(args, 0))
	if argAt(args, 0) == "" {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: rmdir path")
	}
	return r.fs.Rmdir(target)
}

func cmdChmod(r *repl, args []string) *xrdstatus.Status {
	if len(args) < 2 {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: chmod mode path")
	}
	mode, err := strconv.ParseUint(args[0], 8, 32)
	if err != nil {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "invalid mode %q", args[0])
	}
	return r.fs.Chmod(r.resolve(args[1]), uint32(mode))
}

var queryCodeByName = map[string]xrdproto.QueryCode{
	"stats":      xrdproto.QueryStats,
	"prepare":    xrdproto.QueryPrepare,
	"checksum":   xrdproto.QueryChecksum,
	"space":      xrdproto.QuerySpace,
	"config":     xrdproto.QueryConfig,
	"visa":       xrdproto.QueryVisa,
	"opaque":     xrdproto.QueryOpaque,
	"opaquefile": xrdproto.QueryOpaqueFile,
}

func cmdQuery(r *repl, args []string) *xrdstatus.Status {
	if len(args) < 1 {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: query code [arg]")
	}
	code, ok := queryCodeByName[args[0]]
	if !ok {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "unknown query code %q", args[0])
	}
	var arg []byte
	if len(args) > 1 {
		arg = []byte(strings.Join(args[1:], " "))
	}
	body, status := r.fs.Query(code, arg)
	if body != nil {
		fmt.Fprintln(r.out, string(body))
	}
	return status
}

func cmdTruncate(r *repl, args []string) *xrdstatus.Status {
	if len(args) < 2 {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: truncate path size")
	}
	size, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "invalid size %q", args[1])
	}
	return r.fs.Truncate(r.resolve(args[0]), size)
}

func cmdPing(r *repl, _ []string) *xrdstatus.Status {
	return r.fs.Ping()
}

// cmdFOpen opens a stateful handle on path, keyed by its resolved path for
// the "fclose"/"fread"/"fwrite"/"fsync" commands that follow.
func cmdFOpen(r *repl, args []string) *xrdstatus.Status {
	flags, rest := splitFlags(args)
	if argAt(rest, 0) == "" {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: fopen [-mr|-mu|-mw] path")
	}
	target := r.resolve(rest[0])
	if _, open := r.openFiles[target]; open {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "%s is already open", target)
	}

	mode := xrdproto.OpenRead
	if raw, ok := flagValue(flags, "-m"); ok {
		m, ok := openModeByName[raw]
		if !ok {
			return xrdstatus.New(xrdstatus.KindInvalidArgs, "invalid mode %q", raw)
		}
		mode = m
	}

	f := r.fs.Open(target)
	if status := f.Open(mode, xrdproto.OpenFlagNone); status != nil {
		return status
	}
	r.openFiles[target] = f
	return nil
}

func cmdFClose(r *repl, args []string) *xrdstatus.Status {
	target := r.resolve(argAt(args, 0))
	f, open := r.openFiles[target]
	if !open {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "%s is not open", target)
	}
	if status := f.Close(); status != nil {
		return status
	}
	delete(r.openFiles, target)
	return nil
}

func cmdFRead(r *repl, args []string) *xrdstatus.Status {
	if len(args) < 3 {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: fread path offset length")
	}
	target := r.resolve(args[0])
	f, open := r.openFiles[target]
	if !open {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "%s is not open", target)
	}
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "invalid offset %q", args[1])
	}
	length, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "invalid length %q", args[2])
	}

	buf := make([]byte, length)
	info, status := f.Read(offset, buf)
	if info == nil {
		return status
	}
	fmt.Fprintf(r.out, "%q\n", buf[:info.Length])
	return status
}

func cmdFWrite(r *repl, args []string) *xrdstatus.Status {
	if len(args) < 3 {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "usage: fwrite path offset data")
	}
	target := r.resolve(args[0])
	f, open := r.openFiles[target]
	if !open {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "%s is not open", target)
	}
	offset, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "invalid offset %q", args[1])
	}
	return f.Write(offset, []byte(strings.Join(args[2:], " ")))
}

func cmdFSync(r *repl, args []string) *xrdstatus.Status {
	target := r.resolve(argAt(args, 0))
	f, open := r.openFiles[target]
	if !open {
		return xrdstatus.New(xrdstatus.KindInvalidArgs, "%s is not open", target)
	}
	return f.Sync()
}

func cmdHelp(r *repl, _ []string) *xrdstatus.Status {
	fmt.Fprint(r.out, `commands:
  cd path
  ls [-l] [path]
  stat path
  statvfs path
  locate [-r] [-d] [-n] path
  mv oldpath newpath
  mkdir [-p] [-m<mode>] path
  rm path
  rmdir path
  chmod mode path
  query code [arg]
  truncate path size
  ping
  fopen [-mr|-mu|-mw] path
  fclose path
  fread path offset length
  fwrite path offset data...
  fsync path
  help
  exit
`)
	return nil
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
