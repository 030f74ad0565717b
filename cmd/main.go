package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"PortLens/internal/cvedb"
	"PortLens/internal/enrich"
	"PortLens/internal/model"
	"PortLens/internal/scanner"
	"PortLens/internal/session"
	"PortLens/internal/telemetry"
	"PortLens/internal/utils"
	"PortLens/internal/web"
	"PortLens/pkg/cli"
)

func main() {
	// 解析命令行参数
	parser := cli.NewParser()
	if err := parser.Parse(); err != nil {
		if errors.Is(err, cli.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "错误: %v\n\n", err)
		fmt.Fprintf(os.Stderr, "使用方法: %s -target <目标地址> [选项]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "使用 -help 查看完整帮助信息\n")
		os.Exit(1)
	}

	options := parser.Options
	utils.SetDebug(options.Verbose)
	logger := utils.NewLogger("main")

	logger.Info("启动 PortLens 扫描器")
	telemetry.InitMetrics()

	table, err := model.LoadServiceTable(options.ServicesFile)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	logger.Debug("已加载 %d 条端口服务映射", table.Len())

	var cache *cvedb.QueryCache
	if options.CachePath != "" {
		cache, err = cvedb.NewQueryCache(options.CachePath, cvedb.DefaultCacheTTL)
		if err != nil {
			logger.Error("初始化查询缓存失败: %v", err)
			os.Exit(1)
		}
		defer cache.Close()
	}

	client := cvedb.NewClient(cvedb.ClientConfig{
		BaseURL:     options.NVDURL,
		APIKey:      options.APIKey,
		MinInterval: time.Duration(options.NVDIntervalMs) * time.Millisecond,
		Cache:       cache,
	})

	portScanner := scanner.NewPortScanner(scanner.NewTCPProber(options.Timeout()), options.Threads, table)

	// 解析端口范围
	ports, err := portScanner.ParsePortRange(options.PortRange)
	if err != nil {
		logger.Error("解析端口范围失败: %v", err)
		os.Exit(1)
	}

	target := extractHostname(options.Target)
	runner := session.NewRunner(portScanner, enrich.NewCoordinator(client), ports, options.EnrichThreads)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if options.ServeAddr != "" {
		server := web.NewServer(options.ServeAddr, web.NewHub(runner, target))
		if err := server.Run(ctx); err != nil {
			logger.Error("Web服务异常退出: %v", err)
			os.Exit(1)
		}
		return
	}

	logger.Debug("扫描目标: %s, 端口数: %d, 超时: %v, 并发: %d",
		target, len(ports), options.Timeout(), portScanner.Threads())

	report, err := scanOnce(ctx, runner, target, logger)
	if err != nil {
		logger.Error("扫描失败: %v", err)
		os.Exit(1)
	}

	criterion, _ := model.ParseSortCriterion(options.SortBy)
	formatter := cli.NewOutputFormatter(options.OutputFormat, criterion)
	if err := formatter.PrintResult(report, options.OutputFile); err != nil {
		logger.Error("输出结果失败: %v", err)
		os.Exit(1)
	}
}

// scanOnce 运行一轮扫描，日志事件转给 logger，结果收集为报告
func scanOnce(ctx context.Context, runner *session.Runner, target string, logger *utils.Logger) (model.ScanReport, error) {
	report := model.ScanReport{Target: target}

	events, err := runner.Start(ctx, target)
	if err != nil {
		return report, err
	}

	for e := range events {
		switch e.Type {
		case model.EventResult:
			report.Ports = append(report.Ports, e.Result.Clone())
		case model.EventFinished:
			report.Summary = e.Summary
			logger.Log(e.Level, "%s", e.Message)
		default:
			logger.Log(e.Level, "%s", e.Message)
		}
	}
	return report, nil
}

// 从目标字符串中提取主机名
func extractHostname(target string) string {
	if strings.Contains(target, "://") {
		parsedURL, err := url.Parse(target)
		if err == nil && parsedURL.Hostname() != "" {
			return parsedURL.Hostname()
		}
	}

	// 移除可能的路径部分
	if idx := strings.Index(target, "/"); idx != -1 {
		return target[:idx]
	}

	return target
}
