package model

import (
	"fmt"
	"sort"
	"strings"
)

// SortCriterion 漏洞列表排序依据
type SortCriterion string

const (
	SortPublished SortCriterion = "published"
	SortCVSS      SortCriterion = "cvss"
)

// ParseSortCriterion 解析排序依据，空串按发布日期
func ParseSortCriterion(s string) (SortCriterion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "published", "date":
		return SortPublished, nil
	case "cvss", "score", "severity":
		return SortCVSS, nil
	}
	return "", fmt.Errorf("未知的排序方式: %s", s)
}

// SortRecords 返回排序后的新切片，输入不变。排序稳定，缺失的日期或评分排在最后。
func SortRecords(records []VulnerabilityRecord, criterion SortCriterion) []VulnerabilityRecord {
	out := make([]VulnerabilityRecord, len(records))
	copy(out, records)

	var less func(a, b VulnerabilityRecord) bool
	switch criterion {
	case SortCVSS:
		less = func(a, b VulnerabilityRecord) bool {
			if a.Score == nil || b.Score == nil {
				return a.Score != nil && b.Score == nil
			}
			return *a.Score > *b.Score
		}
	default:
		less = func(a, b VulnerabilityRecord) bool {
			if a.Published == nil || b.Published == nil {
				return a.Published != nil && b.Published == nil
			}
			return a.Published.After(*b.Published)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

// SortBy 对快照中每个端口的漏洞列表重新排序，端口按端口号升序，返回新快照
func SortBy(ports []EnrichedPort, criterion SortCriterion) []EnrichedPort {
	out := make([]EnrichedPort, len(ports))
	for i, p := range ports {
		out[i] = EnrichedPort{
			PortRecord:      p.PortRecord,
			Vulnerabilities: SortRecords(p.Vulnerabilities, criterion),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Port < out[j].Port
	})
	return out
}
