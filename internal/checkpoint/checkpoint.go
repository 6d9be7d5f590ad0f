// Package checkpoint snapshots an experiment's log directory before a
// resume mutates it, so a failed resume cannot destroy prior results.
package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DirName is the snapshot subdirectory created inside the log dir.
const DirName = "checkpoint"

// Save copies every regular file directly inside logDir into
// logDir/checkpoint, creating it if absent. Directories are not
// recursed into. Calling it again overwrites the previous snapshot.
func Save(logDir string) error {
	dst := filepath.Join(logDir, DirName)
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return fmt.Errorf("read log dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if !ent.Type().IsRegular() {
			continue
		}
		src := filepath.Join(logDir, ent.Name())
		if err := copyFile(src, filepath.Join(dst, ent.Name())); err != nil {
			return fmt.Errorf("checkpoint %s: %w", ent.Name(), err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
