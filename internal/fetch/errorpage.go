package fetch

import (
	"bytes"
	"encoding/json"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strings"
)

// maxErrorBody 限制诊断页读取的上游正文大小。
const maxErrorBody = 1 << 20

// Details 是 worker 自身的诊断信息。
type Details struct {
	Config              any    `json:"config"`
	CrossOriginIsolated bool   `json:"crossOriginIsolated"`
	InstallTime         string `json:"installTime"`
	Origin              string `json:"origin"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
}

type bodyKind int

const (
	bodyOther bodyKind = iota
	bodyHTML
	bodyJSON
)

func kindOf(contentType string) bodyKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "text/html":
		return bodyHTML
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return bodyJSON
	default:
		return bodyOther
	}
}

var errorPageTemplate = template.Must(template.New("error").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Status}} {{.StatusText}}</title>
</head>
<body>
<h1>{{.Status}} {{.StatusText}}</h1>
<h2>{{.Message}}</h2>
<pre>{{.Stack}}</pre>
<h3>Response details</h3>
<pre>{{.Response}}</pre>
<h3>Service worker details</h3>
<pre>{{.Worker}}</pre>
</body>
</html>
`))

type errorPageData struct {
	Status     int
	StatusText string
	Message    string
	Stack      string
	Response   string
	Worker     string
}

// ErrorPage 将非成功响应转换为诊断 HTML 页，保留原始状态码；text/html 响应原样返回。
func ErrorPage(resp *http.Response, details Details) *http.Response {
	kind := kindOf(resp.Header.Get("Content-Type"))
	if kind == bodyHTML {
		return resp
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	statusText := StatusText(resp)
	message, stack := statusText, string(raw)
	var parsed any
	if kind == bodyJSON {
		if err := json.Unmarshal(raw, &parsed); err == nil {
			message, stack = jsonErrorFields(parsed, statusText, string(raw))
		} else {
			parsed = nil
		}
	}
	if parsed == nil {
		parsed = map[string]any{"error": map[string]any{"message": message, "stack": stack}}
	}

	responseDetails := map[string]any{
		"status":       resp.StatusCode,
		"statusText":   statusText,
		"headers":      flattenHeader(resp.Header),
		"responseBody": parsed,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		responseDetails["url"] = resp.Request.URL.String()
	}

	data := errorPageData{
		Status:     resp.StatusCode,
		StatusText: statusText,
		Message:    message,
		Stack:      stack,
		Response:   prettyJSON(responseDetails),
		Worker:     prettyJSON(details),
	}
	var buf bytes.Buffer
	if err := errorPageTemplate.Execute(&buf, data); err != nil {
		buf.Reset()
		buf.WriteString(template.HTMLEscapeString(message + "\n" + stack))
	}

	out := NewResponse(resp.StatusCode, "text/html; charset=utf-8", buf.String())
	out.Status = resp.Status
	if out.Status == "" {
		out.Status = http.StatusText(resp.StatusCode)
	}
	return out
}

func jsonErrorFields(parsed any, fallbackMessage, fallbackStack string) (string, string) {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return fallbackMessage, fallbackStack
	}
	errObj, ok := obj["error"].(map[string]any)
	if !ok {
		if msg, ok := obj["error"].(string); ok && msg != "" {
			return msg, fallbackStack
		}
		return fallbackMessage, fallbackStack
	}
	message, stack := fallbackMessage, fallbackStack
	if msg, ok := errObj["message"].(string); ok && msg != "" {
		message = msg
	}
	if st, ok := errObj["stack"].(string); ok && st != "" {
		stack = st
	}
	return message, stack
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func prettyJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}
