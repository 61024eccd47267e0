package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<Scope>/<Partition>/<sha256(key)>        # 正文
//	<StoragePath>/<Scope>/<Partition>/<sha256(key)>.meta   # 状态码 + 响应头
//
// Scope 对应一个 origin，Partition 为带版本号的分区名称。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将响应写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除正文与元数据。
	Remove(ctx context.Context, locator Locator) error

	// Partitions 列出某个 scope 下现存的分区名称。
	Partitions(ctx context.Context, scope string) ([]string, error)

	// DropPartition 删除整个分区目录。
	DropPartition(ctx context.Context, scope, partition string) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
	Status  int
	Header  http.Header
}

// Locator 唯一定位一个缓存条目（origin + 分区 + 缓存键）。
type Locator struct {
	Scope     string
	Partition string
	Key       string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径、状态码与响应头。
type Entry struct {
	Locator   Locator     `json:"locator"`
	FilePath  string      `json:"file_path"`
	SizeBytes int64       `json:"size_bytes"`
	ModTime   time.Time   `json:"stored_at"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
