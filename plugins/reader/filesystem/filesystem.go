package filesystem

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dockoreksi/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 扫描目录时跳过这些目录名（基名，大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 扫描目录时只收这些扩展名；缺省 .txt/.pdf/.docx。
	// 显式给出的单文件不受此限制，交由抽取器判定格式。
	Extensions []string `json:"extensions"`
	// SkipPrefixes: 扫描目录时跳过这些文件名前缀；缺省跳过已生成的 corrected_ 产物。
	SkipPrefixes []string `json:"skip_prefixes"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	exts       map[string]struct{}
	skip       []string
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.BufSize <= 0 {
		o.BufSize = 64 * 1024
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".txt", ".pdf", ".docx"}
	}
	if o.SkipPrefixes == nil {
		o.SkipPrefixes = []string{"corrected_"}
	}
	r := &FileSystem{
		bufSize:    o.BufSize,
		excludeDir: lowerSet(o.ExcludeDirNames, false),
		exts:       lowerSet(o.Extensions, true),
		skip:       o.SkipPrefixes,
	}
	return r
}

func lowerSet(xs []string, dot bool) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		x = strings.ToLower(strings.TrimSpace(x))
		if x == "" {
			continue
		}
		if dot && !strings.HasPrefix(x, ".") {
			x = "." + x
		}
		m[x] = struct{}{}
	}
	return m
}

// Iterate 遍历 roots，按字典序对每个文档调用 yield。
// roots 为空或仅含 "-" 时读取 STDIN（FileID 为 "stdin"）。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(contract.FileID("stdin"), newBufferedCloser(os.Stdin, r.bufSize))
	}
	for _, s := range roots {
		if s == "-" {
			return errors.New("stdin '-' cannot be mixed with other roots")
		}
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// 只跟随到常规文件；目录链接忽略
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.open(root, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.open(root, yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := r.excludeDir[strings.ToLower(d.Name())]; skip && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !r.wanted(d.Name()) {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		return r.open(p, yield)
	})
}

// wanted: 扩展名在白名单内且不以跳过前缀开头。
func (r *FileSystem) wanted(name string) bool {
	for _, pre := range r.skip {
		if pre != "" && strings.HasPrefix(name, pre) {
			return false
		}
	}
	_, ok := r.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (r *FileSystem) open(p string, yield func(contract.FileID, io.ReadCloser) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	if err := yield(contract.NormalizeFileID(p), brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }

var _ contract.Reader = (*FileSystem)(nil)
