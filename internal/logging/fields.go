package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存版本/策略/响应来源字段，供网关请求日志复用。
func RequestFields(cacheVersion, strategy, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"cache_version": cacheVersion,
		"strategy":      strategy,
		"source":        source,
		"cache_hit":     cacheHit,
	}
}

// WorkerFields 提供 worker 生命周期日志字段。
func WorkerFields(action, cacheVersion, state string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_version": cacheVersion,
		"state":         state,
	}
}
