package model

import (
	"fmt"
	"math"
	"time"
)

// VulnerabilityRecord 单条漏洞记录，以 ID 为唯一键
type VulnerabilityRecord struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Published   *time.Time `json:"published,omitempty"`
	// PublishedRaw 保留接口返回的原始时间字符串，便于展示
	PublishedRaw  string   `json:"published_raw,omitempty"`
	Score         *float64 `json:"cvss_score,omitempty"`
	Severity      string   `json:"cvss_severity,omitempty"`
	MetricVersion string   `json:"cvss_version,omitempty"`
}

// HasScore 是否带有CVSS评分
func (v VulnerabilityRecord) HasScore() bool {
	return v.Score != nil
}

// ScoreText 一位小数的评分文本，无评分时为 "-"
func (v VulnerabilityRecord) ScoreText() string {
	if !v.HasScore() {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v.Score)
}

// PublishedText 发布日期文本，无日期时为 "?"
func (v VulnerabilityRecord) PublishedText() string {
	if v.Published != nil {
		return v.Published.UTC().Format("2006-01-02")
	}
	if v.PublishedRaw != "" {
		return v.PublishedRaw
	}
	return "?"
}

// NormalizeScore 将评分保留一位小数，超出 [0,10] 的值视为无效
func NormalizeScore(score float64) (float64, bool) {
	if math.IsNaN(score) || score < 0 || score > 10 {
		return 0, false
	}
	return math.Round(score*10) / 10, true
}

// 风险等级
const (
	RiskCritical = "critical"
	RiskHigh     = "high"
	RiskMedium   = "medium"
	RiskLow      = "low"
	RiskNone     = "none"
)

// RiskLevel 根据CVSS评分划分风险等级
func RiskLevel(score *float64) string {
	if score == nil {
		return RiskNone
	}

	switch s := *score; {
	case s >= 9.0:
		return RiskCritical
	case s >= 7.0:
		return RiskHigh
	case s >= 4.0:
		return RiskMedium
	default:
		return RiskLow
	}
}

// MaxScore 返回一组记录中的最高评分，全部缺失时返回 nil
func MaxScore(records []VulnerabilityRecord) *float64 {
	var top *float64
	for i := range records {
		if records[i].Score == nil {
			continue
		}
		if top == nil || *records[i].Score > *top {
			s := *records[i].Score
			top = &s
		}
	}
	return top
}
