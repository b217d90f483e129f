package worker

import "strings"

// Strategy 是请求分类对应的缓存策略。
type Strategy string

const (
	NetworkOnly  Strategy = "network-only"
	NetworkFirst Strategy = "network-first"
	CacheFirst   Strategy = "cache-first"
)

func (s Strategy) String() string {
	return string(s)
}

// Prefixes 是参与分类的保留路径前缀。
type Prefixes struct {
	API    string
	Script string
	Style  string
}

// Classify 按优先级分类：API 前缀 > 导航/脚本/样式 > 其他。
func Classify(req *Request, p Prefixes) Strategy {
	path := "/"
	if req.URL != nil && req.URL.Path != "" {
		path = req.URL.Path
	}
	switch {
	case hasPrefix(path, p.API):
		return NetworkOnly
	case req.Mode == ModeNavigate, hasPrefix(path, p.Script), hasPrefix(path, p.Style):
		return NetworkFirst
	default:
		return CacheFirst
	}
}

func hasPrefix(path, prefix string) bool {
	return prefix != "" && strings.HasPrefix(path, prefix)
}
