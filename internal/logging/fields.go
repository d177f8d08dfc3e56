package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述 install/activate 等生命周期事件所属的缓存版本。
func LifecycleFields(event, cacheName, strategy string) logrus.Fields {
	return logrus.Fields{
		"action":   event,
		"cache":    cacheName,
		"strategy": strategy,
	}
}

// RequestFields 提供拦截请求日志的公共字段。
func RequestFields(requestID, clientID, method, url string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"action":    "fetch",
		"method":    method,
		"url":       url,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if clientID != "" {
		fields["client_id"] = clientID
	}
	return fields
}
