package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"openclusters/internal/fits"
	"openclusters/internal/fsutil"

	"github.com/fsnotify/fsnotify"
)

// Event is a change to a raw frame on disk.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // created, modified, deleted, renamed
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// FrameWatcher monitors observing-night directories for new raw frames.
type FrameWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan Event
	watchDirs []string
	exts      []string
	log       *slog.Logger
	done      chan struct{}
}

// NewFrameWatcher creates a watcher over dirs reporting files with one of
// exts (the FITS defaults when empty). Nothing is watched until Start.
func NewFrameWatcher(dirs, exts []string, log *slog.Logger) (*FrameWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &FrameWatcher{
		watcher:   w,
		Events:    make(chan Event, 100),
		watchDirs: dirs,
		exts:      exts,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

// Start adds every directory and begins forwarding events.
func (fw *FrameWatcher) Start() error {
	for _, dir := range fw.watchDirs {
		if err := fw.watcher.Add(dir); err != nil {
			return err
		}
		fw.log.Info("watching directory", "dir", dir)
	}
	go fw.processEvents()
	return nil
}

// Stop closes the underlying watcher. Events is not closed; consumers select
// on their own context.
func (fw *FrameWatcher) Stop() error {
	close(fw.done)
	return fw.watcher.Close()
}

func (fw *FrameWatcher) processEvents() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op.Has(fsnotify.Create):
				operation = "created"
			case event.Op.Has(fsnotify.Write):
				operation = "modified"
			case event.Op.Has(fsnotify.Remove):
				operation = "deleted"
			case event.Op.Has(fsnotify.Rename):
				operation = "renamed"
			default:
				continue
			}

			if !IsRawFrame(event.Name, fw.exts) {
				continue
			}

			var size int64
			if operation == "created" || operation == "modified" {
				if info, err := os.Stat(event.Name); err == nil {
					size = info.Size()
				}
			}

			ev := Event{Path: event.Name, Operation: operation, Time: time.Now(), Size: size}
			select {
			case fw.Events <- ev:
			case <-fw.done:
				return
			default:
				fw.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error("filesystem watcher error", "error", err)

		case <-fw.done:
			return
		}
	}
}

// IsRawFrame reports whether path is a FITS frame with one of exts that
// still needs reducing: masters and reduced outputs are ignored.
func IsRawFrame(path string, exts []string) bool {
	if !fits.HasExtension(path, exts) || fsutil.IsReduced(path) {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(filepath.Base(path)), "master")
}
