package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// UnknownService 服务映射表中没有记录时使用的服务名
const UnknownService = "unknown"

// ServiceTable 端口号到知名服务名的静态映射，加载后只读，可并发读取
type ServiceTable struct {
	services map[int]string
}

// NewServiceTable 由内存映射构造服务表
func NewServiceTable(services map[int]string) *ServiceTable {
	table := &ServiceTable{services: make(map[int]string, len(services))}
	for port, name := range services {
		table.services[port] = name
	}
	return table
}

// LoadServiceTable 从 JSON 文件加载映射，格式为 {"22": "ssh", ...}
func LoadServiceTable(path string) (*ServiceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StartupError{Resource: path, Err: err}
	}

	table, err := ParseServiceTable(data)
	if err != nil {
		return nil, &StartupError{Resource: path, Err: err}
	}
	return table, nil
}

// ParseServiceTable 解析映射文件内容
func ParseServiceTable(data []byte) (*ServiceTable, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析服务映射失败: %w", err)
	}

	services := make(map[int]string, len(raw))
	for key, name := range raw {
		port, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("无效的端口号: %q", key)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("端口号必须在 1-65535 之间: %d", port)
		}
		services[port] = strings.TrimSpace(name)
	}

	return &ServiceTable{services: services}, nil
}

// Lookup 查询服务名，未命中或为空时返回 "unknown"
func (t *ServiceTable) Lookup(port int) string {
	if t == nil {
		return UnknownService
	}
	if name, ok := t.services[port]; ok && name != "" {
		return name
	}
	return UnknownService
}

// Len 映射条目数
func (t *ServiceTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.services)
}

// Ports 映射表中的全部端口（升序）
func (t *ServiceTable) Ports() []int {
	if t == nil {
		return nil
	}
	ports := make([]int, 0, len(t.services))
	for port := range t.services {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// IsUnknownService 服务名是否为 "unknown"（不区分大小写）
func IsUnknownService(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), UnknownService)
}
