package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Center 记录当前可见的通知。相同 tag 的通知互相替换而不是堆叠。
type Center struct {
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	visible []Notification
	shown   map[string]int
}

// NewCenter 创建通知中心；logger 为空时不输出日志。
func NewCenter(logger *logrus.Logger) *Center {
	return &Center{
		logger: logger,
		now:    time.Now,
		shown:  make(map[string]int),
	}
}

// Show 展示通知，返回实际展示的副本（补齐 ID 与展示时间）。
func (c *Center) Show(ctx context.Context, n Notification) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.ShownAt = c.now().UTC()
	n.Vibrate = append([]int(nil), n.Vibrate...)

	c.mu.Lock()
	replaced := false
	if n.Tag != "" {
		for i := range c.visible {
			if c.visible[i].Tag == n.Tag {
				c.visible[i] = n
				replaced = true
				break
			}
		}
	}
	if !replaced {
		c.visible = append(c.visible, n)
	}
	c.shown[n.Tag]++
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"action":   "notification_show",
			"tag":      n.Tag,
			"title":    n.Title,
			"replaced": replaced,
		}).Info("notification shown")
	}
	return n, nil
}

// Close 关闭指定 tag 的通知；tag 为空时按 ID 匹配。
func (c *Center) Close(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.visible[:0]
	for _, existing := range c.visible {
		if matches(existing, n) {
			continue
		}
		kept = append(kept, existing)
	}
	c.visible = kept
	return nil
}

// Find 返回 tag 对应的可见通知。
func (c *Center) Find(tag string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.visible {
		if n.Tag == tag {
			return n, true
		}
	}
	return Notification{}, false
}

// List 返回当前可见通知的副本。
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.visible))
	copy(out, c.visible)
	return out
}

// Shown 返回某个 tag 累计展示次数。
func (c *Center) Shown(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shown[tag]
}

func matches(existing, target Notification) bool {
	if target.Tag != "" {
		return existing.Tag == target.Tag
	}
	return target.ID != "" && existing.ID == target.ID
}
