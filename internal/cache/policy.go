package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/ipfs-edge/internal/ipfspath"
)

// Version 是缓存分区的版本号，变更后旧版本分区会在激活时被清理。
const Version = 1

// ExpiresHeader 记录可变条目的过期时间（HTTP-date）。
const ExpiresHeader = "Sw-Cache-Expires"

// MutableTTL 是可变条目的新鲜期。
const MutableTTL = time.Hour

// Partition 区分可变（ipns）与不可变（ipfs）内容。
type Partition int

const (
	Immutable Partition = iota
	Mutable
)

// Name 返回带版本号的分区名称。
func (p Partition) Name() string {
	if p == Mutable {
		return fmt.Sprintf("mutable-cache-v%d", Version)
	}
	return fmt.Sprintf("immutable-cache-v%d", Version)
}

func (p Partition) String() string {
	if p == Mutable {
		return "mutable"
	}
	return "immutable"
}

// CurrentPartitions 返回当前版本期望存在的分区集合。
func CurrentPartitions() []string {
	return []string{Mutable.Name(), Immutable.Name()}
}

// PartitionFor 根据内容根的命名空间选择分区。
func PartitionFor(root ipfspath.Root) Partition {
	if root.Namespace.Mutable() {
		return Mutable
	}
	return Immutable
}

// CacheKey 由去掉片段的 URL 与 Accept 头拼接而成，不同表现形式各自缓存。
func CacheKey(u *url.URL, accept string) string {
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	return normalized.String() + "-" + accept
}

// IsCacheable 判断响应是否允许写入缓存。
func IsCacheable(status int, reqHeader http.Header) bool {
	if status < 200 || status > 299 {
		return false
	}
	if status == http.StatusPartialContent {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(reqHeader.Get("Pragma")), "no-cache") {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(reqHeader.Get("Cache-Control")), "no-cache") {
		return false
	}
	return true
}

// StampExpiry 为可变条目写入 now+MutableTTL 的过期时间。
func StampExpiry(header http.Header, now time.Time) {
	header.Set(ExpiresHeader, now.Add(MutableTTL).UTC().Format(http.TimeFormat))
}

// IsExpired 判断条目是否过期；不可变分区与缺少过期头的条目永不过期，
// 无法解析的过期头视为已过期。
func IsExpired(entry Entry, now time.Time) bool {
	if entry.Locator.Partition == Immutable.Name() {
		return false
	}
	raw := entry.Header.Get(ExpiresHeader)
	if raw == "" {
		return false
	}
	expires, err := http.ParseTime(raw)
	if err != nil {
		return true
	}
	return now.After(expires)
}

// Purge 删除 scope 下所有不属于当前版本的分区，返回被删除的分区名。
func Purge(ctx context.Context, store Store, scope string) ([]string, error) {
	existing, err := store.Partitions(ctx, scope)
	if err != nil {
		return nil, err
	}
	expected := make(map[string]struct{})
	for _, name := range CurrentPartitions() {
		expected[name] = struct{}{}
	}

	var removed []string
	for _, name := range existing {
		if _, ok := expected[name]; ok {
			continue
		}
		if err := store.DropPartition(ctx, scope, name); err != nil {
			return removed, fmt.Errorf("drop partition %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}
