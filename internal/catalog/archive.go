package catalog

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// compactLocked rewrites the journal as one upsert per record, gzip-archives
// the previous segment next to the journal, and swaps the new file into
// place. The caller must hold c.mu.
func (c *JournalCatalog) compactLocked() error {
	tmpPath := c.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("catalog: create compacted journal: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := writeJournalHeader(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("catalog: write compacted header: %w", err)
	}

	ids := make([]string, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var size int64 = journalHeaderSize
	for _, id := range ids {
		frame, err := encodeUpsert(c.items[id])
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(frame); err != nil {
			tmp.Close()
			return fmt.Errorf("catalog: write compacted record: %w", err)
		}
		size += int64(len(frame))
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("catalog: sync compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("catalog: close compacted journal: %w", err)
	}

	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("catalog: sync journal before archive: %w", err)
	}
	c.eventsDirty = false

	archivePath, err := c.archiveLocked()
	if err != nil {
		return err
	}

	oldSize := c.size
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("catalog: close journal before swap: %w", err)
	}
	c.file = nil

	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("catalog: swap compacted journal: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("catalog: reopen compacted journal: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("catalog: seek compacted journal end: %w", err)
	}
	c.file = f
	c.size = size

	c.logger.Info("journal compacted",
		"path", c.path,
		"archive", archivePath,
		"beforeBytes", oldSize,
		"afterBytes", size,
		"snapshots", len(c.items),
	)
	return nil
}

// archiveLocked gzips the current journal segment to <path>.<ms>.gz and
// returns the archive path. The caller must hold c.mu.
func (c *JournalCatalog) archiveLocked() (string, error) {
	src, err := os.Open(c.path)
	if err != nil {
		return "", fmt.Errorf("catalog: open journal for archive: %w", err)
	}
	defer src.Close()

	archivePath := fmt.Sprintf("%s.%d.gz", c.path, c.clk.NowMs())
	for n := 1; ; n++ {
		if _, err := os.Stat(archivePath); os.IsNotExist(err) {
			break
		}
		archivePath = fmt.Sprintf("%s.%d-%d.gz", c.path, c.clk.NowMs(), n)
	}

	dst, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("catalog: create journal archive: %w", err)
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("catalog: archive journal: %w", err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("catalog: finish journal archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("catalog: close journal archive: %w", err)
	}
	return archivePath, nil
}
