package websocket

import (
	"net/http"
	"net/url"
	"strings"
)

// proxyFunc 显式配置的代理优先，否则按环境变量（HTTP_PROXY/HTTPS_PROXY/NO_PROXY）
func proxyFunc(explicit string) func(*http.Request) (*url.URL, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		if u, err := url.Parse(explicit); err == nil {
			return http.ProxyURL(u)
		}
	}
	return http.ProxyFromEnvironment
}

func preview(b []byte) string {
	if len(b) > 200 {
		return string(b[:200])
	}
	return string(b)
}
