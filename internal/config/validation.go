package config

import (
	"errors"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	if err := validateNamespace(g.Namespace); err != nil {
		return newFieldError(globalField("Namespace"), err.Error())
	}
	if g.MaxRetries < 0 {
		return newFieldError(globalField("MaxRetries"), "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError(globalField("InitialBackoff"), "必须大于 0")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("FetchTimeout"), "必须大于 0")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError(globalField("LogMaxSize/LogMaxBackups"), "不能为负数")
	}
	return nil
}

// validateNamespace 要求命名空间为单一目录名，缓存始终是扁平结构。
func validateNamespace(ns string) error {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return errors.New("不能为空")
	}
	if ns == "." || ns == ".." || strings.ContainsAny(ns, `/\`) {
		return errors.New("必须是单一目录名")
	}
	return nil
}
