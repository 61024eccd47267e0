package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const metaSuffix = ".meta"

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .meta 旁路文件的内容。
type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.path(locator)
	if err != nil {
		return nil, err
	}

	// 与 Put 互斥，保证读到的 meta 与正文属于同一次写入；打开后的句柄不受后续替换影响
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	meta, err := readMeta(filePath + metaSuffix)
	if err != nil {
		return nil, err
	}
	// 哈希碰撞或旧文件残留时按未命中处理
	if meta.Key != locator.Key {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   meta.StoredAt,
		Status:    meta.Status,
		Header:    meta.Header,
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	filePath, err := s.path(locator)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	meta := entryMeta{Key: locator.Key, Status: status, Header: header, StoredAt: modTime}
	if err := writeMeta(dir, filePath+metaSuffix, meta); err != nil {
		os.Remove(filePath)
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
		Status:    status,
		Header:    header,
	}
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	filePath, err := s.path(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{filePath + metaSuffix, filePath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Partitions(ctx context.Context, scope string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scopeDir, err := s.scopeDir(scope)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(scopeDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (s *fileStore) DropPartition(ctx context.Context, scope, partition string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	scopeDir, err := s.scopeDir(scope)
	if err != nil {
		return err
	}
	if partition == "" || strings.ContainsAny(partition, `/\`) || partition == "." || partition == ".." {
		return fmt.Errorf("invalid partition name: %q", partition)
	}
	return os.RemoveAll(filepath.Join(scopeDir, partition))
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) scopeDir(scope string) (string, error) {
	name := ScopeDirName(scope)
	if name == "" {
		return "", errors.New("scope required")
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStore) path(locator Locator) (string, error) {
	scopeDir, err := s.scopeDir(locator.Scope)
	if err != nil {
		return "", err
	}
	if locator.Partition == "" || strings.ContainsAny(locator.Partition, `/\`) || strings.HasPrefix(locator.Partition, ".") {
		return "", errors.New("invalid cache partition")
	}
	if locator.Key == "" {
		return "", errors.New("cache key required")
	}
	sum := sha256.Sum256([]byte(locator.Key))
	return filepath.Join(scopeDir, locator.Partition, hex.EncodeToString(sum[:])), nil
}

// ScopeDirName 将 origin 转换为可作为目录名的形式，例如
// https://bafy.ipfs.localhost:8080 -> https_bafy.ipfs.localhost_8080。
func ScopeDirName(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return ""
	}
	replacer := strings.NewReplacer("://", "_", ":", "_", "/", "_", `\`, "_")
	name := replacer.Replace(strings.TrimRight(scope, "/"))
	if name == "." || name == ".." {
		return ""
	}
	return name
}

func readMeta(metaPath string) (entryMeta, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache meta: %w", err)
	}
	return meta, nil
}

func writeMeta(dir, metaPath string, meta entryMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, ".meta-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(raw)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempName, metaPath)
	}
	if err != nil {
		os.Remove(tempName)
	}
	return err
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Scope + "::" + locator.Partition + "::" + locator.Key
}
