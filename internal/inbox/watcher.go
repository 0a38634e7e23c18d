// Package inbox feeds extracted invoices dropped into a directory to the
// pipeline.
//
// Upstream extractors write one JSON file per batch (a single invoice object
// or an array) and move it into the inbox. Files must appear atomically: a
// file written in place may be picked up half-written. Handled files are
// moved to processed/, files that fail to decode or process to failed/.
package inbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/scrypster/invoicemem/pkg/types"
)

// Subdirectories for handled files.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Handler processes the invoices decoded from one inbox file.
type Handler func(name string, invoices []*types.Invoice) error

// Watcher watches one inbox directory.
type Watcher struct {
	dir     string
	handle  Handler
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for dir. Start must be called to begin.
func NewWatcher(dir string, handle Handler) *Watcher {
	return &Watcher{
		dir:    dir,
		handle: handle,
		done:   make(chan struct{}),
	}
}

// Start handles files already in the inbox, then watches for new ones.
// Call Stop to clean up.
func (w *Watcher) Start() error {
	for _, d := range []string{w.dir, filepath.Join(w.dir, ProcessedDir), filepath.Join(w.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("inbox: failed to create %s: %w", d, err)
		}
	}

	w.drainExisting()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("inbox: failed to watch %s: %w", w.dir, err)
	}
	w.watcher = fw

	go w.loop()
	log.Printf("inbox: watching %s for invoices", w.dir)
	return nil
}

// Stop shuts down the watcher and waits for the file in flight.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&fsnotify.Create != 0 && isInvoiceFile(evt.Name) {
				w.processFile(evt.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("inbox: watcher error: %v", err)
		}
	}
}

func (w *Watcher) drainExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && isInvoiceFile(entry.Name()) {
			w.processFile(filepath.Join(w.dir, entry.Name()))
		}
	}
}

func (w *Watcher) processFile(path string) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return // already moved
	}

	invoices, err := Decode(data)
	if err == nil {
		err = w.handle(name, invoices)
	}

	dest := ProcessedDir
	if err != nil {
		log.Printf("inbox: %s failed: %v", name, err)
		dest = FailedDir
	}
	if err := os.Rename(path, filepath.Join(w.dir, dest, name)); err != nil {
		log.Printf("inbox: failed to move %s to %s: %v", name, dest, err)
		_ = os.Remove(path)
	}
}

func isInvoiceFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

// Decode parses a single invoice object or an array of invoices.
func Decode(data []byte) ([]*types.Invoice, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("no invoices in input")
	}

	if data[0] == '[' {
		var invoices []*types.Invoice
		if err := json.Unmarshal(data, &invoices); err != nil {
			return nil, fmt.Errorf("failed to parse invoices: %w", err)
		}
		if len(invoices) == 0 {
			return nil, errors.New("no invoices in input")
		}
		for i, inv := range invoices {
			if inv == nil {
				return nil, fmt.Errorf("invoice %d is null", i)
			}
		}
		return invoices, nil
	}

	var inv types.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse invoice: %w", err)
	}
	return []*types.Invoice{&inv}, nil
}
