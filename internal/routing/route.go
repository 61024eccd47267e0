// Package routing classifies every incoming request into exactly one
// decision. Rules are evaluated in a fixed order and the first match wins;
// Route itself has no side effects, the caller executes the decision.
package routing

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/any-hub/ipfs-edge/internal/ipfspath"
)

// TimebombTTL 是一次注册的最长存活时间。
const TimebombTTL = 24 * time.Hour

const (
	// ConfigPageMarker 标识配置页（URL 片段或路径）。
	ConfigPageMarker = "/ipfs-sw-config"
	// DeregisterMarker 标识显式注销请求（路径后缀或查询参数名）。
	DeregisterMarker = "ipfs-sw-deregister"
	// EmptyContentID 是空内容的 CID，请求它无需任何抓取。
	EmptyContentID = "bafkqaaa"
)

var swAssetPattern = regexp.MustCompile(`^.+/(?:ipfs-sw-).+\.js$`)

// Kind 是路由决策类型。
type Kind int

const (
	Passthrough Kind = iota
	ShortCircuit
	Deregister
	Intercept
)

func (k Kind) String() string {
	switch k {
	case ShortCircuit:
		return "short_circuit"
	case Deregister:
		return "deregister"
	case Intercept:
		return "intercept"
	default:
		return "passthrough"
	}
}

// Request 是一次路由判定的只读输入。
type Request struct {
	URL         *url.URL
	Method      string
	Header      http.Header
	Destination string
}

// State 提供判定所需的 worker 状态。
type State struct {
	Now              time.Time
	InstallTimestamp time.Time
}

// Decision 是路由结果。
type Decision struct {
	Kind Kind
	// Redirect 仅对 Deregister 有意义：true 时响应 301 到配置页。
	Redirect       bool
	RedirectTarget string
	Status         int
	Reason         string
}

// Route 依次应用规则并返回第一个匹配的决策。
func Route(req Request, state State) Decision {
	if TimebombExpired(state.InstallTimestamp, state.Now) {
		return Decision{Kind: Deregister, Reason: "timebomb"}
	}
	if IsDeregisterRequest(req.URL) {
		return Decision{
			Kind:           Deregister,
			Redirect:       true,
			RedirectTarget: ConfigPageURL(originURL(req.URL)),
			Reason:         "deregister_request",
		}
	}
	if IsConfigPage(req.URL) {
		return Decision{Kind: Passthrough, Reason: "config_page"}
	}
	if IsSWAsset(req.URL) {
		return Decision{Kind: Passthrough, Reason: "sw_asset"}
	}
	if !IsRootContentRequest(req.URL) && !ipfspath.IsSubdomainRequest(req.URL) {
		return Decision{Kind: Passthrough, Reason: "not_content"}
	}
	if IsEmptyContentRequest(req.URL) {
		return Decision{Kind: ShortCircuit, Status: http.StatusOK, Reason: "empty_content"}
	}
	return Decision{Kind: Intercept, Reason: "content"}
}

// TimebombExpired 判断注册是否已超过 TimebombTTL；零值时间戳（读取失败）视为已过期。
func TimebombExpired(installed, now time.Time) bool {
	return now.Sub(installed) > TimebombTTL
}

// IsDeregisterRequest 判断是否为显式注销请求。
func IsDeregisterRequest(u *url.URL) bool {
	if strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/"+DeregisterMarker) {
		return true
	}
	return u.Query().Has(DeregisterMarker)
}

// IsConfigPage 判断是否为配置页；浏览器内由片段标识，服务端同时接受路径形式。
func IsConfigPage(u *url.URL) bool {
	if strings.Contains(u.Fragment, ConfigPageMarker) {
		return true
	}
	return u.Path == ConfigPageMarker || strings.HasPrefix(u.Path, ConfigPageMarker+"/")
}

// IsSWAsset 判断是否为 worker 自身的脚本资源。
func IsSWAsset(u *url.URL) bool {
	return swAssetPattern.MatchString(u.Scheme + "://" + u.Host + u.Path)
}

// IsRootContentRequest 判断是否为根 origin 上的 /ipfs/ 或 /ipns/ 请求。
func IsRootContentRequest(u *url.URL) bool {
	return strings.HasPrefix(u.Path, "/ipfs/") || strings.HasPrefix(u.Path, "/ipns/")
}

// IsEmptyContentRequest 判断是否请求空内容 CID。
func IsEmptyContentRequest(u *url.URL) bool {
	if strings.Contains(u.String(), EmptyContentID+".ipfs") {
		return true
	}
	root, err := ipfspath.Classify(u)
	return err == nil && root.Namespace == ipfspath.IPFS && root.ID == EmptyContentID
}

// ConfigPageURL 返回给定页面对应的配置页地址。
func ConfigPageURL(page string) string {
	u, err := url.Parse(page)
	if err != nil {
		return page
	}
	u.Fragment = ConfigPageMarker
	u.RawFragment = ""
	return u.String()
}

func originURL(u *url.URL) string {
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
}
