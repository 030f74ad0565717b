package model

import "fmt"

// StartupError 启动阶段必需资源加载失败，扫描无法开始
type StartupError struct {
	Resource string
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("加载 %s 失败: %v", e.Resource, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
