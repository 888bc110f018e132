package ai

import "strings"

type Protocol string

const (
	ProtocolAuto   Protocol = "auto"
	ProtocolNative Protocol = "native"
	ProtocolChat   Protocol = "chat"
)

// ResolveProtocol picks the wire protocol for an endpoint. An explicit
// choice wins; otherwise Google hosts (or no base at all) speak the native
// API and other proxies are assumed to be chat-completions compatible.
func ResolveProtocol(p Protocol, baseURL string) Protocol {
	if p == ProtocolNative || p == ProtocolChat {
		return p
	}
	base := strings.ToLower(strings.TrimSpace(baseURL))
	switch {
	case base == "", strings.Contains(base, "googleapis.com"):
		return ProtocolNative
	case strings.Contains(base, "openai"),
		strings.Contains(base, "/v1"),
		strings.Contains(base, "://api."),
		strings.Contains(base, "://apipro."):
		return ProtocolChat
	default:
		return ProtocolNative
	}
}
