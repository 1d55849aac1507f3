package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// fileWriter appends JSON log lines to dir/YYYY-MM-DD.jsonl, rotating at
// midnight and keeping a "latest" symlink for tailing.
type fileWriter struct {
	dir  string
	mu   sync.Mutex
	file *os.File
	day  string
}

func newFileWriter(dir string) (*fileWriter, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}
	fw := &fileWriter{dir: dir}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.openToday(); err != nil {
		return nil, err
	}
	return fw, nil
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if today := time.Now().Format(dateLayout); today != fw.day {
		if err := fw.openToday(); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

func (fw *fileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

func (fw *fileWriter) openToday() error {
	if fw.file != nil {
		fw.file.Close()
	}
	today := time.Now().Format(dateLayout)
	name := today + ".jsonl"

	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening debug log file: %w", err)
	}
	fw.file = f
	fw.day = today

	// Best-effort atomic symlink swap.
	link := filepath.Join(fw.dir, "latest")
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(name, tmp); err == nil {
		_ = os.Rename(tmp, link)
	}
	return nil
}

var logFileRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// cleanup removes dated log files older than retentionDays.
func cleanup(dir string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		if e.IsDir() || !logFileRe.MatchString(e.Name()) {
			continue
		}
		day, err := time.Parse(dateLayout, e.Name()[:len(dateLayout)])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
