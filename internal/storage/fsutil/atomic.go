// Package fsutil 提供檔案系統的原子寫入與搬移
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteAtomic 以 temp → fsync → rename 寫入檔案
// rename 在同一個 volume 上是原子的，讀者只會看到舊檔或完整的新檔
func WriteAtomic(path string, perm os.FileMode, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()[:8]+".tmp")

	var f *os.File
	err := retryMissingDir(dir, func() error {
		var err error
		f, err = os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}

	return nil
}

// WriteFileAtomic 原子寫入整段資料
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteAtomic(path, perm, func(w io.Writer) error {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write data: %w", err)
		}
		return nil
	})
}

// Move 搬移檔案，必要時建立目標目錄，目標存在時覆寫
func Move(from, to string) error {
	err := retryMissingDir(filepath.Dir(to), func() error {
		err := os.Rename(from, to)
		if errors.Is(err, fs.ErrNotExist) && !pathExists(from) {
			return fmt.Errorf("%w: %w", errSourceMissing, err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to move file: %w", err)
	}
	return nil
}

var errSourceMissing = errors.New("source does not exist")

// maxDirAttempts 目錄被並行的 PruneEmptyDirs 刪掉時重建的次數
const maxDirAttempts = 8

// retryMissingDir 建立 dir 後執行 op；op 因目錄消失回傳 ErrNotExist 時重建再試
func retryMissingDir(dir string, op func() error) error {
	var err error
	for attempt := 0; attempt < maxDirAttempts; attempt++ {
		if err = os.MkdirAll(dir, 0o750); err == nil {
			err = op()
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if !errors.Is(err, fs.ErrNotExist) || errors.Is(err, errSourceMissing) {
			return err
		}
	}
	return err
}

// Exists 檢查檔案是否存在（目錄不算）
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// PruneEmptyDirs 從 dir 往上刪除空目錄，直到 stop 為止
func PruneEmptyDirs(dir, stop string) {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop && len(dir) > len(stop); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
