// Package enrich 为开放端口关联漏洞记录
package enrich

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"PortLens/internal/model"
	"PortLens/internal/utils"
)

// Querier 按关键字查询漏洞库
type Querier interface {
	Query(ctx context.Context, keyword string) ([]model.VulnerabilityRecord, error)
}

type Coordinator struct {
	client Querier
	logger *utils.Logger
}

func NewCoordinator(client Querier) *Coordinator {
	return &Coordinator{
		client: client,
		logger: utils.NewLogger("enrich"),
	}
}

// Keywords 查询关键字，更具体的 "端口 服务" 在前，服务名单独在后
func Keywords(record model.PortRecord) []string {
	service := strings.TrimSpace(record.Service)
	if service == "" || model.IsUnknownService(service) {
		return nil
	}
	return []string{
		strconv.Itoa(record.Port) + " " + service,
		service,
	}
}

// Merge 按 ID 合并多组结果，先出现的记录保留
func Merge(groups ...[]model.VulnerabilityRecord) []model.VulnerabilityRecord {
	var merged []model.VulnerabilityRecord
	seen := make(map[string]bool)
	for _, group := range groups {
		for _, record := range group {
			if record.ID == "" || seen[record.ID] {
				continue
			}
			seen[record.ID] = true
			merged = append(merged, record)
		}
	}
	return merged
}

// Enrich 依次查询各关键字并合并结果。单个关键字失败只记录日志，不影响其他关键字。
func (c *Coordinator) Enrich(ctx context.Context, record model.PortRecord, emit model.Emitter) model.EnrichedPort {
	if emit == nil {
		emit = model.Discard
	}

	result := model.EnrichedPort{
		PortRecord:      record,
		Vulnerabilities: []model.VulnerabilityRecord{},
	}

	keywords := Keywords(record)
	if len(keywords) == 0 {
		emit.Emit(model.LogEvent(model.LevelInfo,
			fmt.Sprintf("[SKIP] 端口 %d 服务名为 %s，跳过漏洞库查询", record.Port, model.UnknownService)))
		return result
	}

	groups := make([][]model.VulnerabilityRecord, 0, len(keywords))
	for _, keyword := range keywords {
		if ctx.Err() != nil {
			c.logger.Debug("端口 %d 查询中止: %v", record.Port, ctx.Err())
			break
		}

		emit.Emit(model.LogEvent(model.LevelInfo, fmt.Sprintf("[INFO] 漏洞库查询: %s", keyword)))
		records, err := c.client.Query(ctx, keyword)
		if err != nil {
			emit.Emit(model.LogEvent(model.LevelError, fmt.Sprintf("[ERROR] %v", err)))
			continue
		}

		if len(records) > 0 {
			emit.Emit(model.LogEvent(model.LevelInfo, fmt.Sprintf("[FOUND] %s → %d条", keyword, len(records))))
		} else {
			emit.Emit(model.LogEvent(model.LevelInfo, fmt.Sprintf("[INFO] %s → 无CVE", keyword)))
		}
		groups = append(groups, records)
	}

	if merged := Merge(groups...); len(merged) > 0 {
		result.Vulnerabilities = model.SortRecords(merged, model.SortPublished)
	}
	return result
}
