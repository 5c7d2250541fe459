package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"langextract/pkg/contract"
)

// Options 为文档读取器的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 扫描目录时跳过这些目录名（基名、忽略大小写）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 扫描目录时仅接收这些扩展名（如 ".txt"、"md"，忽略大小写）；为空接收全部。
	Extensions []string `json:"extensions"`
	// IncludeHidden: 扫描目录时是否包含以 "." 开头的文件与目录，默认跳过。
	IncludeHidden bool `json:"include_hidden"`
	// MaxFileBytes: 单文件大小上限；>0 时超限文件报错（ErrBudgetExceeded）。
	MaxFileBytes int64 `json:"max_file_bytes"`
}

// FileSystem 实现基于文件系统与 STDIN 的文档 Reader。
// 目录过滤（排除目录/扩展名/隐藏项）只作用于递归扫描；显式给出的文件 root 总是读取。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	exts       map[string]struct{}
	hidden     bool
	maxBytes   int64
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	r := &FileSystem{
		bufSize:    o.BufSize,
		excludeDir: make(map[string]struct{}),
		exts:       make(map[string]struct{}),
		hidden:     o.IncludeHidden,
		maxBytes:   o.MaxFileBytes,
	}
	if r.bufSize <= 0 {
		r.bufSize = 64 * 1024
	}
	for _, name := range o.ExcludeDirNames {
		if name != "" {
			r.excludeDir[strings.ToLower(name)] = struct{}{}
		}
	}
	for _, e := range o.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		r.exts[e] = struct{}{}
	}
	return r
}

// Iterate 遍历 roots，按稳定顺序对每个常规文件调用 yield。
// roots 为空或仅包含 "-" 时读取 STDIN（FileID 为 "stdin"）。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(contract.FileID("stdin"), newBufferedCloser(os.Stdin, r.bufSize))
	}
	for _, s := range roots {
		if s == "-" {
			return fmt.Errorf("%w: stdin '-' cannot be mixed with other roots", contract.ErrInvalidInput)
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
	// 符号链接仅跟随到常规文件；目录符号链接忽略
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.emit(root, t, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.emit(root, info, yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip || r.skipHidden(e.Name()) {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	// 再文件
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || r.skipHidden(e.Name()) || !r.acceptExt(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := r.emit(p, info, yield); err != nil {
			return err
		}
	}
	return nil
}

// emit 打开常规文件并回调；回调出错时关闭句柄。
func (r *FileSystem) emit(p string, info os.FileInfo, yield func(contract.FileID, io.ReadCloser) error) error {
	if r.maxBytes > 0 && info.Size() > r.maxBytes {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", contract.ErrBudgetExceeded, p, info.Size(), r.maxBytes)
	}
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

func (r *FileSystem) skipHidden(name string) bool {
	return !r.hidden && strings.HasPrefix(name, ".")
}

func (r *FileSystem) acceptExt(name string) bool {
	if len(r.exts) == 0 {
		return true
	}
	_, ok := r.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }

var _ contract.Reader = (*FileSystem)(nil)
