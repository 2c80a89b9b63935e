package xrdenv

import (
	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// fileConfig mirrors the teacher's tomlConfig: a thin struct decoded straight
// from the config file, then poured into the in-process Env via SetInt/SetString
// so the shell-import-wins invariant still applies.
type fileConfig struct {
	ConnectionWindow  int
	ConnectionRetry   int
	RequestTimeout    int
	DataServerTTL     int
	ManagerTTL        int
	StreamsPerChannel int
	TimeoutResolution int
	StreamErrorWindow int
	CWD               string
	MonitorAddr       string
	CacheDir          string
}

// LoadFile decodes a TOML configuration file into e, the way the teacher's
// parseCore decodes listen/peer blocks with toml.DecodeFile.
func (e *Env) LoadFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return err
	}
	e.applyFileConfig(fc)
	return nil
}

func (e *Env) applyFileConfig(fc fileConfig) {
	apply := func(key string, value int) {
		if value != 0 {
			e.SetInt(key, value)
		}
	}
	apply("ConnectionWindow", fc.ConnectionWindow)
	apply("ConnectionRetry", fc.ConnectionRetry)
	apply("RequestTimeout", fc.RequestTimeout)
	apply("DataServerTTL", fc.DataServerTTL)
	apply("ManagerTTL", fc.ManagerTTL)
	apply("StreamsPerChannel", fc.StreamsPerChannel)
	apply("TimeoutResolution", fc.TimeoutResolution)
	apply("StreamErrorWindow", fc.StreamErrorWindow)
	if fc.CWD != "" {
		e.SetString("CWD", fc.CWD)
	}
	if fc.MonitorAddr != "" {
		e.SetString("MonitorAddr", fc.MonitorAddr)
	}
	if fc.CacheDir != "" {
		e.SetString("CacheDir", fc.CacheDir)
	}
}

// Watcher reloads the given config file whenever it changes on disk, using
// the same fsnotify dependency the teacher's dtn-tool uses to watch exchange
// files. Close stops the watch goroutine.
type Watcher struct {
	fsw  *fsnotify.Watcher
	stop chan struct{}
}

// WatchFile starts reloading path into e on every write event. The caller
// must call Close on the returned Watcher to release the fsnotify handle.
func (e *Env) WatchFile(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, stop: make(chan struct{})}
	go w.run(e, path)
	return w, nil
}

func (w *Watcher) run(e *Env, path string) {
	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := e.LoadFile(path); err != nil {
				log.WithError(err).WithField("path", path).Warn("failed to reload configuration")
			} else {
				log.WithField("path", path).Info("configuration reloaded")
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("configuration watcher error")
		}
	}
}

// Close stops the watch goroutine and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.fsw.Close()
}
