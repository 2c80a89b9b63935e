// Package xrdenv implements the process-wide configuration and environment
// import layer (spec.md §3 "Environment", §6 "Configuration"/"Environment
// variables"), grounded on the teacher's configuration.go TOML loading and
// logrus logging conventions.
package xrdenv

import (
	"os"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// entry records a single imported-or-set value alongside its provenance.
type entry struct {
	value      string
	fromShell  bool
}

// Env is a key->(value, imported_from_shell) map with separate int and
// string namespaces, guarded by one RWMutex. Shell-imported entries cannot
// be overwritten by in-process writers; in-process entries can be.
type Env struct {
	mu      sync.RWMutex
	ints    map[string]entry
	strings map[string]entry
}

// New returns an Env pre-populated with the defaults from spec.md §6.
func New() *Env {
	e := &Env{
		ints:    make(map[string]entry),
		strings: make(map[string]entry),
	}
	e.setIntDefault("ConnectionWindow", 30)
	e.setIntDefault("ConnectionRetry", 5)
	e.setIntDefault("RequestTimeout", 1800)
	e.setIntDefault("DataServerTTL", 300)
	e.setIntDefault("ManagerTTL", 1200)
	e.setIntDefault("StreamsPerChannel", 1)
	e.setIntDefault("TimeoutResolution", 1)
	e.setIntDefault("StreamErrorWindow", 60)
	e.setStringDefault("CWD", "/")
	e.setStringDefault("CacheDir", "")
	return e
}

func (e *Env) setIntDefault(key string, value int) {
	e.ints[key] = entry{value: strconv.Itoa(value)}
}

func (e *Env) setStringDefault(key, value string) {
	e.strings[key] = entry{value: value}
}

// GetInt reads an integer setting, falling back to deflt if unset or unparsable.
func (e *Env) GetInt(key string, deflt int) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.ints[key]
	if !ok {
		return deflt
	}
	v, err := strconv.Atoi(ent.value)
	if err != nil {
		return deflt
	}
	return v
}

// SetInt writes an integer setting. Returns false if the key was imported
// from the shell and is therefore immutable.
func (e *Env) SetInt(key string, value int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.ints[key]; ok && ent.fromShell {
		return false
	}
	e.ints[key] = entry{value: strconv.Itoa(value)}
	return true
}

// GetString reads a string setting, falling back to deflt if unset.
func (e *Env) GetString(key, deflt string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.strings[key]
	if !ok {
		return deflt
	}
	return ent.value
}

// SetString writes a string setting. Returns false if imported from the shell.
func (e *Env) SetString(key, value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.strings[key]; ok && ent.fromShell {
		return false
	}
	e.strings[key] = entry{value: value}
	return true
}

// ImportShellInt imports an XRD_* style integer environment variable, marking
// it immutable to subsequent in-process writers.
func (e *Env) ImportShellInt(envVar, key string) {
	raw, ok := os.LookupEnv(envVar)
	if !ok {
		return
	}
	if _, err := strconv.Atoi(raw); err != nil {
		log.WithField("var", envVar).WithError(err).Warn("ignoring non-numeric shell-imported setting")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ints[key] = entry{value: raw, fromShell: true}
}

// ImportShellString imports an XRD_* style string environment variable,
// marking it immutable to subsequent in-process writers.
func (e *Env) ImportShellString(envVar, key string) {
	raw, ok := os.LookupEnv(envVar)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strings[key] = entry{value: raw, fromShell: true}
}

// ImportShell imports the well-known XRD_* variables from spec.md §6.
func (e *Env) ImportShell() {
	e.ImportShellString("XRD_LOGLEVEL", "LogLevel")
	e.ImportShellString("XRD_LOGFILE", "LogFile")
	e.ImportShellString("XRD_LOGMASK", "LogMask")
	e.ImportShellInt("XRD_CONNECTIONWINDOW", "ConnectionWindow")
	e.ImportShellInt("XRD_CONNECTIONRETRY", "ConnectionRetry")
	e.ImportShellInt("XRD_REQUESTTIMEOUT", "RequestTimeout")
	e.ImportShellInt("XRD_STREAMSPERCHANNEL", "StreamsPerChannel")
	e.ImportShellString("XRD_MONITORADDR", "MonitorAddr")
	e.ImportShellString("XRD_CACHEDIR", "CacheDir")
	e.ImportShellInt("XRD_DATASERVERTTL", "DataServerTTL")
	e.ImportShellInt("XRD_MANAGERTTL", "ManagerTTL")
}
