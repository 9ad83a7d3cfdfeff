package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// gateOverride is the on-disk shape of the gate-line override file: a small,
// hand-editable JSON document a race official can drop next to config.json
// (see DefaultGateLinePath) to nudge the detection column without restarting the process.
type gateOverride struct {
	GateX float64 `json:"gate_x"`
}

// Watcher watches a gate-line override file and invokes onChange with the new
// GateX value every time the file is created, written, or renamed into place.
// It never blocks the caller: fsnotify events arrive on a background
// goroutine and onChange runs inline on that goroutine, so onChange must be
// cheap and non-blocking itself (typically an atomic store DET's camera loop
// reads from).
type Watcher struct {
	fsw      *fsnotify.Watcher
	path     string
	done     chan struct{}
	onChange func(gateX float64)
}

// WatchGateLine starts watching path for gate-line overrides. onChange is
// called with the decoded value whenever the file changes; malformed files
// are ignored (the previous value stays in effect). Call Stop to release the
// underlying fsnotify watcher.
func WatchGateLine(path string, onChange func(gateX float64)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, path: path, done: make(chan struct{}), onChange: onChange}
	go w.loop()

	// Pick up a value that's already on disk before the first fsnotify event.
	if v, ok := readGateOverride(path); ok {
		onChange(v)
	}
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if v, ok := readGateOverride(w.path); ok {
				w.onChange(v)
			}
		case <-w.fsw.Errors:
			// A watch error doesn't invalidate the last-known-good value;
			// keep running so a transient filesystem hiccup doesn't disarm
			// the live gate-line override.
		}
	}
}

// Stop releases the watcher. Safe to call once.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}

func readGateOverride(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var ov gateOverride
	if err := json.Unmarshal(data, &ov); err != nil {
		return 0, false
	}
	if ov.GateX <= 0 || ov.GateX >= 1 {
		return 0, false
	}
	return ov.GateX, true
}
