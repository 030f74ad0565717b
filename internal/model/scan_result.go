package model

import "time"

// PortRecord 一次探测成功后生成的开放端口记录，创建后不再修改
type PortRecord struct {
	Port    int    `json:"port"`
	Service string `json:"service"`
}

// EnrichedPort 开放端口及其关联的漏洞列表（按发布日期倒序）
type EnrichedPort struct {
	PortRecord
	Vulnerabilities []VulnerabilityRecord `json:"vulnerabilities"`
}

// Clone 深拷贝，供展示层重新排序而不影响原数据
func (e EnrichedPort) Clone() EnrichedPort {
	out := EnrichedPort{PortRecord: e.PortRecord}
	if e.Vulnerabilities != nil {
		out.Vulnerabilities = make([]VulnerabilityRecord, len(e.Vulnerabilities))
		copy(out.Vulnerabilities, e.Vulnerabilities)
	}
	return out
}

// ScanSummary 一次扫描的汇总信息
type ScanSummary struct {
	Target    string        `json:"target"`
	Scanned   int           `json:"scanned"`
	Open      int           `json:"open"`
	Errors    int           `json:"errors"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

// ScanOptions 扫描选项
type ScanOptions struct {
	Target        string
	PortRange     string
	TimeoutMs     int
	Threads       int
	EnrichThreads int
	ServicesFile  string
	APIKey        string
	NVDURL        string
	NVDIntervalMs int
	CachePath     string
	SortBy        string
	OutputFile    string
	OutputFormat  string // text, json, csv
	ServeAddr     string
	Verbose       bool
}

// Timeout 探测超时
func (o ScanOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// ScanReport 一次扫描的完整快照，供输出使用
type ScanReport struct {
	Target  string         `json:"target"`
	Summary *ScanSummary   `json:"summary,omitempty"`
	Ports   []EnrichedPort `json:"ports"`
}
