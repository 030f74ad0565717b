package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"PortLens/internal/model"
)

const descriptionLimit = 100

type OutputFormatter struct {
	format string
	sortBy model.SortCriterion
}

func NewOutputFormatter(format string, sortBy model.SortCriterion) *OutputFormatter {
	return &OutputFormatter{format: format, sortBy: sortBy}
}

// PrintResult 输出到文件，outputFile 为空时输出到标准输出
func (of *OutputFormatter) PrintResult(report model.ScanReport, outputFile string) error {
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("创建输出文件失败: %w", err)
		}
		defer f.Close()
		return of.Write(f, report)
	}
	return of.Write(os.Stdout, report)
}

// Write 按格式写出报告，端口按端口号升序，漏洞按排序方式重排
func (of *OutputFormatter) Write(w io.Writer, report model.ScanReport) error {
	report.Ports = model.SortBy(report.Ports, of.sortBy)

	var output string
	switch strings.ToLower(of.format) {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	case "csv":
		var err error
		if output, err = of.formatCSV(report); err != nil {
			return err
		}
	default:
		output = of.formatText(report)
	}

	_, err := io.WriteString(w, output)
	return err
}

func riskIcon(level string) string {
	switch level {
	case model.RiskCritical:
		return "🔥"
	case model.RiskHigh:
		return "🔴"
	case model.RiskMedium:
		return "🟠"
	case model.RiskLow:
		return "🟢"
	default:
		return "⚪"
	}
}

func truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

func (of *OutputFormatter) formatText(report model.ScanReport) string {
	var builder strings.Builder

	builder.WriteString("\n📡 PortLens 端口扫描器\n")
	builder.WriteString(strings.Repeat("═", 60) + "\n")
	builder.WriteString(fmt.Sprintf("目标: %s\n", report.Target))
	if s := report.Summary; s != nil {
		builder.WriteString(fmt.Sprintf("已探测: %d | 开放: %d | 错误: %d\n", s.Scanned, s.Open, s.Errors))
		builder.WriteString(fmt.Sprintf("时间: %v\n", s.Duration.Round(time.Millisecond)))
		if s.Cancelled {
			builder.WriteString("⏹ 扫描被取消，结果不完整\n")
		}
	}
	builder.WriteString("\n")

	if len(report.Ports) == 0 {
		builder.WriteString("❌ 未发现任何开放端口\n")
		return builder.String()
	}

	builder.WriteString("🔍 端口扫描结果:\n")
	builder.WriteString(strings.Repeat("─", 80) + "\n")

	w := tabwriter.NewWriter(&builder, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "端口\t服务\tCVE数量\t最高CVSS\t风险等级")
	for _, port := range report.Ports {
		top := model.MaxScore(port.Vulnerabilities)
		topText := "-"
		if top != nil {
			topText = fmt.Sprintf("%.1f", *top)
		}
		level := model.RiskLevel(top)
		fmt.Fprintf(w, "%d/tcp\t%s\t%d\t%s\t%s %s\n",
			port.Port, port.Service, len(port.Vulnerabilities), topText, riskIcon(level), level)
	}
	w.Flush()

	total := 0
	for _, port := range report.Ports {
		total += len(port.Vulnerabilities)
	}
	if total == 0 {
		builder.WriteString("\n✅ 未发现已知CVE漏洞\n")
		return builder.String()
	}

	builder.WriteString(fmt.Sprintf("\n⚠️  发现 %d 个CVE漏洞:\n", total))
	builder.WriteString(strings.Repeat("═", 60) + "\n")

	for _, port := range report.Ports {
		if len(port.Vulnerabilities) == 0 {
			continue
		}
		builder.WriteString(fmt.Sprintf("\n🔸 端口 %d/tcp (%s): %d个\n", port.Port, port.Service, len(port.Vulnerabilities)))
		builder.WriteString(strings.Repeat("─", 40) + "\n")

		for _, vuln := range port.Vulnerabilities {
			builder.WriteString(fmt.Sprintf("%s %s (CVSS: %s, 发布: %s)\n",
				riskIcon(model.RiskLevel(vuln.Score)), vuln.ID, vuln.ScoreText(), vuln.PublishedText()))
			if vuln.Description != "" {
				builder.WriteString(fmt.Sprintf("   📝 %s\n", truncate(vuln.Description, descriptionLimit)))
			}
			builder.WriteString(fmt.Sprintf("   🔗 https://nvd.nist.gov/vuln/detail/%s\n", vuln.ID))
		}
	}

	builder.WriteString("\n" + strings.Repeat("═", 60) + "\n")
	return builder.String()
}

func (of *OutputFormatter) formatCSV(report model.ScanReport) (string, error) {
	var builder strings.Builder
	writer := csv.NewWriter(&builder)

	writer.Write([]string{"port", "service", "cve_id", "published", "cvss", "severity", "description"})

	for _, port := range report.Ports {
		if len(port.Vulnerabilities) == 0 {
			writer.Write([]string{strconv.Itoa(port.Port), port.Service, "", "", "", "", ""})
			continue
		}
		for _, vuln := range port.Vulnerabilities {
			published := ""
			if vuln.Published != nil {
				published = vuln.PublishedText()
			}
			score := ""
			if vuln.HasScore() {
				score = vuln.ScoreText()
			}
			writer.Write([]string{
				strconv.Itoa(port.Port),
				port.Service,
				vuln.ID,
				published,
				score,
				vuln.Severity,
				truncate(vuln.Description, 1<<16),
			})
		}
	}

	writer.Flush()
	return builder.String(), writer.Error()
}
