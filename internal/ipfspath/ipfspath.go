// Package ipfspath classifies request URLs as IPFS/IPNS content addresses in
// either path-gateway (/ipfs/<id>/...) or subdomain-gateway
// (<id>.ipfs.<parent>) form, and produces the DNS-safe labels used when a path
// request is redirected to its isolated subdomain origin.
package ipfspath

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// Namespace 是内容命名空间。
type Namespace string

const (
	IPFS Namespace = "ipfs"
	IPNS Namespace = "ipns"
)

// Mutable 表示该命名空间下的内容会随时间变化。
func (n Namespace) Mutable() bool {
	return n == IPNS
}

// ErrNotContent 表示 URL 既不是路径网关请求也不是子域网关请求。
var ErrNotContent = errors.New("not an ipfs/ipns content request")

// Root 描述一次内容请求的根标识与子路径。
type Root struct {
	Namespace Namespace
	ID        string
	SubPath   string
	// Isolated 为 true 表示请求来自 <id>.<ns>.<parent> 子域。
	Isolated bool
}

// GatewayPath 返回路径网关形式 /<ns>/<id><subpath>。
func (r Root) GatewayPath() string {
	sub := r.SubPath
	if sub == "" {
		sub = "/"
	}
	return "/" + string(r.Namespace) + "/" + r.ContentID() + sub
}

// SubdomainParts 是主机名按 <id>.<ns>.<parent> 拆分的结果。
type SubdomainParts struct {
	ID           string
	Namespace    Namespace
	ParentDomain string
}

// ParseSubdomain 从右向左查找 ipfs/ipns 标签，兼容 docs.ipfs.tech.ipns.localhost 这类 id 自带点号的情况。
func ParseSubdomain(host string) (SubdomainParts, bool) {
	hostname := stripPort(host)
	labels := strings.Split(strings.ToLower(hostname), ".")
	for i := len(labels) - 1; i >= 1; i-- {
		if labels[i] != string(IPFS) && labels[i] != string(IPNS) {
			continue
		}
		id := strings.Join(labels[:i], ".")
		parent := strings.Join(labels[i+1:], ".")
		if id == "" || parent == "" {
			return SubdomainParts{}, false
		}
		return SubdomainParts{ID: id, Namespace: Namespace(labels[i]), ParentDomain: parent}, true
	}
	return SubdomainParts{}, false
}

// IsSubdomainRequest 判断 URL 是否来自隔离的子域 origin。
func IsSubdomainRequest(u *url.URL) bool {
	_, ok := ParseSubdomain(u.Host)
	return ok
}

// IsPathRequest 判断 URL 路径是否为 /ipfs/<id> 或 /ipns/<id> 形式。
func IsPathRequest(u *url.URL) bool {
	_, ok := parsePath(u.Path)
	return ok
}

// Classify 将 URL 解析为内容根；子域形式优先于路径形式。
func Classify(u *url.URL) (Root, error) {
	if parts, ok := ParseSubdomain(u.Host); ok {
		sub := u.Path
		if sub == "" {
			sub = "/"
		}
		return Root{Namespace: parts.Namespace, ID: parts.ID, SubPath: sub, Isolated: true}, nil
	}
	if root, ok := parsePath(u.Path); ok {
		return root, nil
	}
	return Root{}, ErrNotContent
}

func parsePath(p string) (Root, bool) {
	trimmed := strings.TrimPrefix(p, "/")
	if trimmed == p {
		return Root{}, false
	}
	ns, rest, found := strings.Cut(trimmed, "/")
	if !found || (ns != string(IPFS) && ns != string(IPNS)) {
		return Root{}, false
	}
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		return Root{}, false
	}
	return Root{Namespace: Namespace(ns), ID: id, SubPath: "/" + sub}, true
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
