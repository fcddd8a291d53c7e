package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 提供 install/activate 等生命周期事件的公共字段。
func LifecycleFields(event, version, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":  event,
		"version": version,
		"cache":   cacheName,
	}
}

// RequestFields 提供方法/路径/来源字段，供代理请求日志复用。
func RequestFields(method, path, source string, offline bool) logrus.Fields {
	return logrus.Fields{
		"method":  method,
		"path":    path,
		"source":  source,
		"offline": offline,
	}
}
