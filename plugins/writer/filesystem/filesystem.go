package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"dockoreksi/pkg/contract"
)

// Options: 产物写出配置。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// Prefix: 加在产物文件名前的前缀；nil 时为 "corrected_"，显式 "" 关闭。
	Prefix *string `json:"prefix,omitempty"`
	// Atomic: 同目录临时文件 + rename；缺省 true。
	Atomic *bool `json:"atomic,omitempty"`
	// Flat: 只保留文件名，不保留目录层级；缺省 true。
	Flat *bool `json:"flat,omitempty"`
	// NoClobber: 目标已存在时报错而不是覆盖。
	NoClobber bool `json:"no_clobber,omitempty"`
	// PermFile/PermDir: 为 0 时 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 时 64KiB。
	BufSize int `json:"buf_size,omitempty"`
}

// FS 把产物写到 afero 文件系统（默认真实磁盘）。
type FS struct {
	fs        afero.Fs
	root      string
	prefix    string
	atomic    bool
	flat      bool
	noClobber bool
	permF     os.FileMode
	permD     os.FileMode
	bufSize   int
}

// New 创建写到真实磁盘的 Writer。
func New(opts *Options) (*FS, error) {
	return NewWithFs(afero.NewOsFs(), opts)
}

// NewWithFs 使用给定文件系统（测试可传 afero.NewMemMapFs()）。
func NewWithFs(fsys afero.Fs, opts *Options) (*FS, error) {
	if fsys == nil || opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("writer: %w: output_dir required", contract.ErrInvalidInput)
	}
	w := &FS{
		fs:        fsys,
		root:      opts.OutputDir,
		prefix:    "corrected_",
		atomic:    true,
		flat:      true,
		noClobber: opts.NoClobber,
		permF:     opts.PermFile,
		permD:     opts.PermDir,
		bufSize:   opts.BufSize,
	}
	if opts.Prefix != nil {
		w.prefix = *opts.Prefix
	}
	if opts.Atomic != nil {
		w.atomic = *opts.Atomic
	}
	if opts.Flat != nil {
		w.flat = *opts.Flat
	}
	if w.permF == 0 {
		w.permF = 0o644
	}
	if w.permD == 0 {
		w.permD = 0o755
	}
	if w.bufSize <= 0 {
		w.bufSize = 64 * 1024
	}
	return w, nil
}

var _ contract.Writer = (*FS)(nil)

// Write 将 r 的全部字节写入 id 映射到的目标路径。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	if w.noClobber {
		if _, err := w.fs.Stat(dest); err == nil {
			return fmt.Errorf("writer %s: %w", dest, os.ErrExist)
		}
	}
	if err := w.fs.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// Path 返回 id 对应的目标路径（不写入）。
func (w *FS) Path(id contract.ArtifactID) (string, error) { return w.mapPath(id) }

// mapPath: Clean + 前缀 + Join + 越界校验。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(string(id))
	if rel == "." || rel == ".." || rel == "" || rel == string(filepath.Separator) {
		return "", contract.ErrPathInvalid
	}
	if w.flat {
		return filepath.Join(w.root, w.prefix+filepath.Base(rel)), nil
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", contract.ErrPathInvalid
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	dir, base := filepath.Split(rel)
	return filepath.Join(w.root, dir, w.prefix+base), nil
}

func (w *FS) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := w.fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	tmp, err := afero.TempFile(w.fs, filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = w.fs.Remove(tmpPath)
		return err
	}
	_ = w.fs.Chmod(tmpPath, w.permF)

	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = w.fs.Remove(tmpPath)
		return err
	}
	// os.Rename 在 Windows 上同样覆盖已有目标
	if err := w.fs.Rename(tmpPath, dest); err != nil {
		_ = w.fs.Remove(tmpPath)
		return err
	}
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
