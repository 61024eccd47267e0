package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/any-hub/ipfs-edge/internal/cache"
)

const recordFileName = "sw-lifecycle.json"

// Record 是持久化的注册信息。
type Record struct {
	InstallTimestamp int64 `json:"installTimestamp"`
	Unregistered     bool  `json:"unregistered"`
}

// RecordStore 读写每个 origin 的注册记录。
type RecordStore interface {
	// Load 返回记录；ok=false 表示尚无记录。
	Load(ctx context.Context, origin string) (Record, bool, error)
	Save(ctx context.Context, origin string, rec Record) error
}

// FileRecordStore 将记录保存在 <base>/<scope-dir>/sw-lifecycle.json，与缓存分区目录并列。
type FileRecordStore struct {
	basePath string
}

// NewFileRecordStore 绑定存储根目录。
func NewFileRecordStore(basePath string) *FileRecordStore {
	return &FileRecordStore{basePath: basePath}
}

func (s *FileRecordStore) Load(ctx context.Context, origin string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	p, err := s.path(origin)
	if err != nil {
		return Record{}, false, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode lifecycle record: %w", err)
	}
	return rec, true, nil
}

func (s *FileRecordStore) Save(ctx context.Context, origin string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(origin)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".record-*")
	if err != nil {
		return err
	}
	_, err = tmp.Write(raw)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), p)
	}
	if err != nil {
		os.Remove(tmp.Name())
	}
	return err
}

func (s *FileRecordStore) path(origin string) (string, error) {
	name := cache.ScopeDirName(origin)
	if name == "" {
		return "", errors.New("origin required")
	}
	return filepath.Join(s.basePath, name, recordFileName), nil
}
