package inbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/invoicemem/pkg/types"
)

const sample = `{"vendor":{"name":"Supplier GmbH"},"invoiceNumber":"INV-1","invoiceDate":"2024-01-15","totalAmount":1190,"currency":"EUR"}`

// drop writes content next to the inbox and renames it in, the way an
// extractor is expected to deliver files.
func drop(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		// Temp dirs may live on another device; fall back to a direct write.
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", path)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"single", sample, 1, false},
		{"array", "[" + sample + "," + sample + "]", 2, false},
		{"blank", " \n\t", 0, true},
		{"empty array", "[]", 0, true},
		{"null element", "[" + sample + ",null]", 0, true},
		{"malformed", `{"vendor":`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d invoices, want %d", len(got), tt.want)
			}
		})
	}
}

func TestWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "batch.json"), []byte("["+sample+","+sample+"]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	received := make(chan int, 1)
	w := NewWatcher(dir, func(name string, invoices []*types.Invoice) error {
		received <- len(invoices)
		return nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	select {
	case n := <-received:
		if n != 2 {
			t.Errorf("got %d invoices, want 2", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for drained file")
	}

	waitForFile(t, filepath.Join(dir, ProcessedDir, "batch.json"))
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("non-invoice file was touched: %v", err)
	}
}

func TestWatcherHandlesNewFiles(t *testing.T) {
	dir := t.TempDir()

	received := make(chan string, 1)
	w := NewWatcher(dir, func(name string, invoices []*types.Invoice) error {
		received <- invoices[0].InvoiceNumber
		return nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)
	drop(t, dir, "inv-1.json", sample)

	select {
	case number := <-received:
		if number != "INV-1" {
			t.Errorf("got invoice %q, want INV-1", number)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for invoice")
	}
	waitForFile(t, filepath.Join(dir, ProcessedDir, "inv-1.json"))
}

func TestWatcherMovesFailuresAside(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rejected.json"), []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(dir, func(name string, invoices []*types.Invoice) error {
		return errors.New("pipeline unavailable")
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	waitForFile(t, filepath.Join(dir, FailedDir, "broken.json"))
	waitForFile(t, filepath.Join(dir, FailedDir, "rejected.json"))
}

func TestStopWithoutStart(t *testing.T) {
	w := NewWatcher(t.TempDir(), func(string, []*types.Invoice) error { return nil })
	w.Stop()
}
