package config

import (
	"context"
	"sync"
)

// ContentStore 是内容配置的外部来源，每次激活或重载时读取一次。
type ContentStore interface {
	GetConfig(ctx context.Context) (ContentConfig, error)
}

// FileContentStore 从 TOML 配置文件的 [Content] 段读取。
type FileContentStore struct {
	Path string
}

// NewFileContentStore 绑定配置文件路径。
func NewFileContentStore(path string) *FileContentStore {
	return &FileContentStore{Path: path}
}

// GetConfig 每次调用都重新读取文件，使修改在 RELOAD_CONFIG 后生效。
func (s *FileContentStore) GetConfig(ctx context.Context) (ContentConfig, error) {
	if err := ctx.Err(); err != nil {
		return ContentConfig{}, err
	}
	return LoadContent(s.Path)
}

// StaticContentStore 在内存中保存配置，测试与嵌入场景使用。
type StaticContentStore struct {
	mu  sync.RWMutex
	cfg ContentConfig
}

// NewStaticContentStore 以给定配置初始化，空列表回退到默认网关。
func NewStaticContentStore(cfg ContentConfig) *StaticContentStore {
	applyContentDefaults(&cfg)
	return &StaticContentStore{cfg: cfg}
}

func (s *StaticContentStore) GetConfig(context.Context) (ContentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone(), nil
}

// Set 替换当前配置。
func (s *StaticContentStore) Set(cfg ContentConfig) {
	applyContentDefaults(&cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
