package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorClass groups provider failures by how they should be handled.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassTransient
	ClassAuth
	ClassQuota
	ClassPermission
	ClassInvalid
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassQuota:
		return "quota"
	case ClassPermission:
		return "permission"
	case ClassInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("empty response from provider")

// ProviderError is an HTTP-level failure reported by a provider.
type ProviderError struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s api error (%d %s): %s", e.Provider, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.Status, msg)
}

// Classify decides how a failed call should be treated.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return classifyProvider(pe)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}
	return classifyText(err.Error())
}

func classifyProvider(pe *ProviderError) ErrorClass {
	text := strings.ToLower(pe.Code + " " + pe.Message)
	switch {
	case pe.Status == http.StatusUnauthorized:
		return ClassAuth
	case pe.Status == http.StatusForbidden:
		return ClassPermission
	case pe.Status == http.StatusTooManyRequests:
		return ClassQuota
	case pe.Status == http.StatusRequestTimeout:
		return ClassTransient
	case pe.Status >= 500:
		return ClassTransient
	case pe.Status >= 400:
		if strings.Contains(text, "api_key") || strings.Contains(text, "api key") {
			return ClassAuth
		}
		return ClassInvalid
	}
	return classifyText(text)
}

// classifyText matches error text for failures that carry no structure.
func classifyText(msg string) ErrorClass {
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "API_KEY") || strings.Contains(upper, "API KEY") || strings.Contains(upper, "UNAUTHORIZED"):
		return ClassAuth
	case strings.Contains(upper, "QUOTA") || strings.Contains(upper, "LIMIT"):
		return ClassQuota
	case strings.Contains(upper, "TIMEOUT") || strings.Contains(upper, "DNS") || strings.Contains(upper, "503"):
		return ClassTransient
	case strings.Contains(upper, "400") || strings.Contains(upper, "INVALID"):
		return ClassInvalid
	case strings.Contains(upper, "403") || strings.Contains(upper, "PERMISSION"):
		return ClassPermission
	}
	return ClassUnknown
}

// User-facing messages returned in place of errors.
const (
	MsgNotConfigured = "AI システムの初期化に問題があります。管理者に連絡してください。"
	MsgAuth          = "APIキーの設定に問題があります。管理者に連絡してください。"
	MsgQuota         = "API利用制限に達しました。しばらく待ってから再度お試しください。"
	MsgPermission    = "APIの利用権限に問題があります。管理者に連絡してください。"
	MsgInvalid       = "リクエストの形式に問題があります。管理者に連絡してください。"
	MsgNetwork       = "ネットワーク接続に問題があります。インターネット接続を確認してください。"
	MsgUnavailable   = "複数回の試行後もAPIに接続できませんでした。しばらく待ってから再度お試しください。"
)

// UserMessage returns the message shown for a non-retryable class.
func UserMessage(c ErrorClass) string {
	switch c {
	case ClassAuth:
		return MsgAuth
	case ClassQuota:
		return MsgQuota
	case ClassPermission:
		return MsgPermission
	case ClassInvalid:
		return MsgInvalid
	case ClassTransient:
		return MsgNetwork
	default:
		return MsgUnavailable
	}
}
