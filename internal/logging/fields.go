package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供 identifier/自定义名/类型字段，供缓存引擎日志复用。认证令牌永不入日志。
func CacheFields(identifier, customName, fileType string) logrus.Fields {
	fields := logrus.Fields{
		"action":     "cache_item",
		"identifier": identifier,
		"file_type":  fileType,
	}
	if customName != "" {
		fields["custom_name"] = customName
	}
	return fields
}

// RequestFields 提供 HTTP 请求的基础字段，供 server 日志复用。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"action":     "http",
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
