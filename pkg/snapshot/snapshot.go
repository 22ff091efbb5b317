// Package snapshot backs up and restores a live engine data_dir (its WAL
// segments, SSTables, and manifest) as a single zstd-compressed tar stream,
// for operational use alongside replication.
package snapshot

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Options configures the compression level used by Backup.
type Options struct {
	// Level is a zstd compression level, 1 (fastest) to 19 (best ratio).
	// Zero selects the default.
	Level int
}

// DefaultOptions returns the default zstd level (3, balanced).
func DefaultOptions() Options {
	return Options{Level: 3}
}

func (o Options) encoderLevel() zstd.EOption {
	level := o.Level
	if level < 1 || level > 19 {
		level = 3
	}
	return zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level))
}

// Backup walks dataDir (wal/, sstables/, MANIFEST) and writes a single
// zstd-compressed tar stream to w. It takes no lock on the engine: callers
// that need a perfectly consistent point-in-time image should checkpoint or
// quiesce writes first; Backup itself only reads whatever files currently
// exist, tolerating a file disappearing mid-walk (e.g. a compacted-away
// SSTable) by skipping it.
func Backup(dataDir string, w io.Writer, opts Options) error {
	zw, err := zstd.NewWriter(w, opts.encoderLevel())
	if err != nil {
		return fmt.Errorf("snapshot: create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return fmt.Errorf("snapshot: relativize %s: %w", path, err)
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("snapshot: stat %s: %w", path, err)
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("snapshot: build header for %s: %w", rel, err)
		}
		hdr.Name = filepath.ToSlash(rel)

		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("snapshot: open %s: %w", path, err)
		}
		defer f.Close()

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("snapshot: write header for %s: %w", rel, err)
		}
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("snapshot: copy %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		tw.Close()
		zw.Close()
		return err
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("snapshot: close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("snapshot: close zstd writer: %w", err)
	}
	return nil
}

// Restore reads a stream produced by Backup and recreates its files under
// destDir, which must not already contain a live data_dir (callers restore
// into an empty or freshly created directory and point a new engine at it).
func Restore(r io.Reader, destDir string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("snapshot: create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create destination: %w", err)
	}

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("snapshot: read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !withinDir(destDir, target) {
			return fmt.Errorf("snapshot: entry %q escapes destination directory", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("snapshot: create directory for %s: %w", hdr.Name, err)
		}

		mode := os.FileMode(hdr.Mode)
		if mode == 0 {
			mode = 0o644
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			return fmt.Errorf("snapshot: create %s: %w", hdr.Name, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("snapshot: write %s: %w", hdr.Name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("snapshot: close %s: %w", hdr.Name, err)
		}
		if !hdr.ModTime.IsZero() {
			_ = os.Chtimes(target, time.Now(), hdr.ModTime)
		}
	}
}

func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}
