package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	currentLogName = "dockoreksi-current.log"
	rotatedLogFmt  = "dockoreksi-%s.log"
)

// RotatingFile 实现 io.Writer，将日志写入指定目录并按大小轮转。
// - 当前文件固定名：dockoreksi-current.log
// - 当 size+len(p) 超过 maxBytes 时，重命名为 dockoreksi-<UTC 时间戳>.log 后重建。
// - 写失败时回落到 stderr，不向调用方返回错误。
type RotatingFile struct {
	dir      string
	maxBytes int64
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes}
}

// Write 写入一个或多个完整日志行。
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeLocked(p); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		return os.Stderr.Write(p)
	}
	return len(p), nil
}

func (w *RotatingFile) writeLocked(p []byte) error {
	if err := w.ensureOpen(); err != nil {
		return err
	}
	if w.curSize > 0 && w.curSize+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(p)
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, currentLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	oldPath := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	// 纳秒时间戳，避免同秒覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(filepath.Dir(oldPath), fmt.Sprintf(rotatedLogFmt, ts))
	if err := os.Rename(oldPath, rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	return w.ensureOpen()
}

// Close 关闭当前文件句柄。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
