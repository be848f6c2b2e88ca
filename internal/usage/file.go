package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"dockoreksi/internal/diag"
	"dockoreksi/pkg/contract"
)

// 取锁轮询间隔。
const lockRetry = 50 * time.Millisecond

// FileStore 以单个 JSON 文件保存全部用户，读写都在 <path>.lock 上加建议锁。
// 每次操作各自打开锁文件，进程内的并发调用同样互斥。
type FileStore struct {
	path        string
	lockTimeout time.Duration
	now         func() time.Time
	logger      *diag.Logger
}

// NewFileStore 创建文件登记；lockTimeout<=0 时 10 秒。
func NewFileStore(path string, lockTimeout time.Duration) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("usage: %w: empty path", contract.ErrInvalidInput)
	}
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &FileStore{path: path, lockTimeout: lockTimeout, now: time.Now}, nil
}

// SetLogger 设置隔离损坏文件时使用的日志；nil 表示不记录。
func (s *FileStore) SetLogger(l *diag.Logger) { s.logger = l }

// acquire 在 lockTimeout 内取锁；超时返回 ErrLockTimeout。调用方负责 Unlock。
func (s *FileStore) acquire(ctx context.Context, shared bool) (*flock.Flock, error) {
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	l := flock.New(s.path + ".lock")
	var ok bool
	var err error
	if shared {
		ok, err = l.TryRLockContext(lctx, lockRetry)
	} else {
		ok, err = l.TryLockContext(lctx, lockRetry)
	}
	if ok {
		return l, nil
	}
	_ = l.Close()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("usage %s after %s: %w", s.path, s.lockTimeout, contract.ErrLockTimeout)
	}
	return nil, fmt.Errorf("usage lock: %w", err)
}

// load 读取全部记录；文件缺失或为空时视为空表。
// 无法解析时：moveAside 为 true（持有写锁）则把原文件改名为
// <path>.corrupt-<ts> 后返回空表；否则只读地返回空表，原文件不动。
func (s *FileStore) load(moveAside bool) (map[string]Record, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	users := map[string]Record{}
	if len(b) == 0 {
		return users, nil
	}
	if err := json.Unmarshal(b, &users); err != nil {
		if !moveAside {
			return map[string]Record{}, nil
		}
		return map[string]Record{}, s.quarantine(err)
	}
	return users, nil
}

func (s *FileStore) quarantine(cause error) error {
	dst := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(s.path, dst); err != nil {
		return fmt.Errorf("usage: corrupt registry %s not moved aside: %w", s.path, err)
	}
	s.logger.WarnWithKV("usage", string(diag.CodeIO), "corrupt registry moved aside", "", "", map[string]string{
		"path":  s.path,
		"moved": dst,
		"cause": cause.Error(),
	})
	return nil
}

// save 写临时文件后 rename，避免读者看到半截内容。
func (s *FileStore) save(users map[string]Record) error {
	b, err := json.MarshalIndent(users, "", "    ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

func (s *FileStore) Track(ctx context.Context, v Visit) (Record, error) {
	if v.UserID == "" {
		return Record{}, fmt.Errorf("usage: %w: empty user id", contract.ErrInvalidInput)
	}
	l, err := s.acquire(ctx, false)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = l.Unlock() }()
	users, err := s.load(true)
	if err != nil {
		return Record{}, err
	}
	rec, ok := users[v.UserID]
	rec = apply(rec, ok, v, s.now())
	users[v.UserID] = rec
	if err := s.save(users); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *FileStore) Get(ctx context.Context, userID string) (Record, bool, error) {
	users, err := s.List(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := users[userID]
	return rec, ok, nil
}

func (s *FileStore) List(ctx context.Context) (map[string]Record, error) {
	l, err := s.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Unlock() }()
	return s.load(false)
}

func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
