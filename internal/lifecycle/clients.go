package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/any-hub/ipfs-edge/internal/channel"
)

// ClientCookie 保存窗口客户端 ID 的 cookie 名称。
const ClientCookie = "ipfs-sw-client"

const (
	// ClientIdleTTL 之后未再出现的窗口视为已关闭。
	ClientIdleTTL = 24 * time.Hour
	// MaxClients 是单个 origin 保留的窗口上限，超出时淘汰最久未出现的窗口。
	MaxClients = 256
)

// Client 是某个 origin 下打开的窗口。
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// ClientNavigator 是 Manager 对窗口集合的依赖。
type ClientNavigator interface {
	Claim(workerID string)
	MatchAll(workerID string) []Client
	Navigate(ctx context.Context, clientID, url string) error
}

// Clients 记录 origin 下的窗口，跨 worker 替换保留；导航通过通道通知窗口。
type Clients struct {
	bus *channel.Bus
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClients 创建窗口集合，导航消息投递到 bus。
func NewClients(bus *channel.Bus) *Clients {
	return &Clients{bus: bus, now: time.Now, clients: make(map[string]*Client)}
}

// Touch 记录窗口最近一次加载的文档 URL；新窗口沿用当前 controller。
func (c *Clients) Touch(id, url, controller string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[id]
	if !ok {
		client = &Client{ID: id, Controller: controller}
		c.clients[id] = client
	}
	client.URL = url
	client.LastSeen = c.now()
	c.evictLocked(client.LastSeen)
}

// evictLocked 删除空闲超过 ClientIdleTTL 的窗口，并把数量压回 MaxClients。
func (c *Clients) evictLocked(now time.Time) {
	for id, client := range c.clients {
		if now.Sub(client.LastSeen) > ClientIdleTTL {
			delete(c.clients, id)
		}
	}
	if len(c.clients) <= MaxClients {
		return
	}
	ordered := make([]*Client, 0, len(c.clients))
	for _, client := range c.clients {
		ordered = append(ordered, client)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].LastSeen.Before(ordered[j].LastSeen) })
	for _, client := range ordered[:len(ordered)-MaxClients] {
		delete(c.clients, client.ID)
	}
}

// Claim 让 workerID 接管所有已知窗口。
func (c *Clients) Claim(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.Controller = workerID
	}
}

// MatchAll 返回受 workerID 控制的窗口，按 ID 排序。
func (c *Clients) MatchAll(workerID string) []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(c.now())
	out := make([]Client, 0, len(c.clients))
	for _, client := range c.clients {
		if client.Controller == workerID {
			out = append(out, *client)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Navigate 更新窗口 URL 并向其发送 NAVIGATE 消息。
func (c *Clients) Navigate(ctx context.Context, clientID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	client, ok := c.clients[clientID]
	if ok {
		client.URL = url
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	if c.bus != nil {
		c.bus.PostMessage(channel.Message{
			Source: channel.ServiceWorker,
			Target: channel.Window,
			Action: channel.ActionNavigate,
			Data:   map[string]string{"clientId": clientID, "url": url},
		})
	}
	return nil
}
