// Package notify builds the local notifications shown for push payloads and
// keeps the set of currently visible ones.
package notify

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/simplecrew/swcache/internal/config"
)

// Notification 是一次本地通知展示所需的全部字段。
type Notification struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Icon               string    `json:"icon"`
	Badge              string    `json:"badge"`
	Tag                string    `json:"tag"`
	Vibrate            []int     `json:"vibrate"`
	RequireInteraction bool      `json:"requireInteraction"`
	ShownAt            time.Time `json:"shown_at,omitempty"`
}

// Options 是推送载荷缺省字段时使用的固定值。
type Options struct {
	Title              string
	Body               string
	Icon               string
	Badge              string
	Tag                string
	Vibrate            []int
	RequireInteraction bool
}

// Defaults 返回 SimpleCrew 的默认通知外观。
func Defaults() Options {
	return Options{
		Title:   "SimpleCrew",
		Body:    "New notification",
		Icon:    "/static/icons/icon-192.png",
		Badge:   "/static/icons/icon-72.png",
		Tag:     "simplecrew-sync",
		Vibrate: []int{200, 100, 200},
	}
}

// FromConfig 以配置中的非空字段覆盖默认值。
func FromConfig(cfg config.NotificationConfig) Options {
	opts := Defaults()
	if v := strings.TrimSpace(cfg.Title); v != "" {
		opts.Title = v
	}
	if v := strings.TrimSpace(cfg.Body); v != "" {
		opts.Body = v
	}
	if v := strings.TrimSpace(cfg.Icon); v != "" {
		opts.Icon = v
	}
	if v := strings.TrimSpace(cfg.Badge); v != "" {
		opts.Badge = v
	}
	if v := strings.TrimSpace(cfg.Tag); v != "" {
		opts.Tag = v
	}
	if len(cfg.Vibrate) > 0 {
		opts.Vibrate = append([]int(nil), cfg.Vibrate...)
	}
	opts.RequireInteraction = cfg.RequireInteraction
	return opts
}

// stringField 取 obj[key] 中的字符串，缺失或类型不符时返回空串。
func stringField(obj map[string]json.RawMessage, key string) string {
	var v string
	if raw, ok := obj[key]; ok && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return ""
}

// Build 解析推送载荷：JSON 对象取 notification.title/body，字段缺失或类型不符时取默认值；
// 非 JSON 或非对象时整段文本作为 body，标题保持默认。
func Build(payload []byte, opts Options) Notification {
	n := Notification{
		Title:              opts.Title,
		Body:               opts.Body,
		Icon:               opts.Icon,
		Badge:              opts.Badge,
		Tag:                opts.Tag,
		Vibrate:            append([]int(nil), opts.Vibrate...),
		RequireInteraction: opts.RequireInteraction,
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return n
	}

	if trimmed[0] == '{' {
		var root map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &root); err == nil {
			// notification 不是对象时按缺失处理，使用默认标题与正文
			var fields map[string]json.RawMessage
			if raw, ok := root["notification"]; ok && json.Unmarshal(raw, &fields) == nil {
				if title := stringField(fields, "title"); title != "" {
					n.Title = title
				}
				if body := stringField(fields, "body"); body != "" {
					n.Body = body
				}
			}
			return n
		}
	}

	text := string(payload)
	var quoted string
	if trimmed[0] == '"' && json.Unmarshal(trimmed, &quoted) == nil {
		text = quoted
	}
	if strings.TrimSpace(text) != "" {
		n.Body = text
	}
	return n
}
