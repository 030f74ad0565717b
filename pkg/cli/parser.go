package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"PortLens/internal/cvedb"
	"PortLens/internal/model"
	"PortLens/internal/scanner"
	"PortLens/internal/session"
)

// ErrHelp 用户请求帮助信息
var ErrHelp = errors.New("help requested")

type Parser struct {
	Options model.ScanOptions
	output  io.Writer
}

func NewParser() *Parser {
	return &Parser{output: os.Stderr}
}

// Parse 解析命令行参数
func (p *Parser) Parse() error {
	return p.ParseArgs(os.Args[1:])
}

// ParseArgs 解析参数，环境变量作为默认值，命令行参数优先
func (p *Parser) ParseArgs(args []string) error {
	var help bool

	fs := flag.NewFlagSet("portlens", flag.ContinueOnError)
	fs.SetOutput(p.output)
	fs.Usage = p.printHelp

	fs.StringVar(&p.Options.Target, "target", getEnv("PORTLENS_TARGET", "127.0.0.1"), "目标IP地址或域名")
	fs.StringVar(&p.Options.PortRange, "ports", getEnv("PORTLENS_PORTS", "all"), "端口范围 (如: all, common, 1-1000,80,443)")
	fs.IntVar(&p.Options.TimeoutMs, "timeout", getEnvInt("PORTLENS_TIMEOUT_MS", int(scanner.DefaultTimeout.Milliseconds())), "连接超时时间(毫秒)")
	fs.IntVar(&p.Options.Threads, "threads", getEnvInt("PORTLENS_THREADS", scanner.DefaultThreads), "并发探测数")
	fs.IntVar(&p.Options.EnrichThreads, "enrich-threads", getEnvInt("PORTLENS_ENRICH_THREADS", session.DefaultEnrichThreads), "并发漏洞查询的端口数")
	fs.StringVar(&p.Options.ServicesFile, "services", getEnv("PORTLENS_SERVICES", "well_known.json"), "端口服务映射文件")
	fs.StringVar(&p.Options.APIKey, "api-key", getEnv("NVD_API_KEY", ""), "NVD API key")
	fs.StringVar(&p.Options.NVDURL, "nvd-url", getEnv("PORTLENS_NVD_URL", cvedb.DefaultBaseURL), "NVD CVE API 地址")
	fs.IntVar(&p.Options.NVDIntervalMs, "nvd-interval", getEnvInt("PORTLENS_NVD_INTERVAL_MS", 0), "NVD请求最小间隔(毫秒)，0 表示按NVD公开限速")
	fs.StringVar(&p.Options.CachePath, "cache", getEnv("PORTLENS_CACHE", ""), "查询缓存数据库路径 (为空则不缓存)")
	fs.StringVar(&p.Options.SortBy, "sort", "published", "漏洞排序方式 (published, cvss)")
	fs.StringVar(&p.Options.OutputFile, "output", "", "输出文件")
	fs.StringVar(&p.Options.OutputFormat, "format", "text", "输出格式 (text, json, csv)")
	fs.StringVar(&p.Options.ServeAddr, "serve", getEnv("PORTLENS_ADDR", ""), "以Web服务方式运行的监听地址 (如 :8080)")
	fs.BoolVar(&p.Options.Verbose, "verbose", os.Getenv("DEBUG") == "true", "显示详细信息")
	fs.BoolVar(&help, "help", false, "显示帮助")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ErrHelp
		}
		return err
	}

	if help {
		p.printHelp()
		return ErrHelp
	}

	return p.validate()
}

func (p *Parser) validate() error {
	o := &p.Options
	o.Target = strings.TrimSpace(o.Target)
	if o.Target == "" {
		return fmt.Errorf("必须指定目标地址")
	}
	if o.TimeoutMs <= 0 {
		return fmt.Errorf("超时时间必须大于0: %d", o.TimeoutMs)
	}
	if o.Threads <= 0 || o.Threads > scanner.MaxThreads {
		return fmt.Errorf("并发数必须在 1-%d 之间: %d", scanner.MaxThreads, o.Threads)
	}
	if o.EnrichThreads <= 0 {
		return fmt.Errorf("并发查询数必须大于0: %d", o.EnrichThreads)
	}
	if o.NVDIntervalMs < 0 {
		return fmt.Errorf("请求间隔不能为负: %d", o.NVDIntervalMs)
	}
	if _, err := model.ParseSortCriterion(o.SortBy); err != nil {
		return err
	}
	switch strings.ToLower(o.OutputFormat) {
	case "text", "json", "csv":
	default:
		return fmt.Errorf("不支持的输出格式: %s", o.OutputFormat)
	}
	return nil
}

func (p *Parser) printHelp() {
	w := p.output
	fmt.Fprintln(w, "PortLens - 端口扫描与CVE漏洞关联工具")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "使用方法: portlens [选项]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "选项:")
	fmt.Fprintln(w, "  -target string          目标IP地址或域名 (默认: 127.0.0.1)")
	fmt.Fprintln(w, "  -ports string           端口范围 (默认: all, 即 1-65535)")
	fmt.Fprintln(w, "  -timeout int            连接超时时间(毫秒) (默认: 1000)")
	fmt.Fprintln(w, "  -threads int            并发探测数 (默认: 200)")
	fmt.Fprintln(w, "  -enrich-threads int     并发漏洞查询的端口数 (默认: 2)")
	fmt.Fprintln(w, "  -services string        端口服务映射文件 (默认: well_known.json)")
	fmt.Fprintln(w, "  -api-key string         NVD API key (环境变量 NVD_API_KEY)")
	fmt.Fprintln(w, "  -nvd-url string         NVD CVE API 地址")
	fmt.Fprintln(w, "  -nvd-interval int       NVD请求最小间隔(毫秒) (默认按NVD限速: 无key 5次/30秒, 有key 50次/30秒)")
	fmt.Fprintln(w, "  -cache string           查询缓存数据库路径")
	fmt.Fprintln(w, "  -sort string            漏洞排序方式 (published, cvss)")
	fmt.Fprintln(w, "  -output string          输出文件")
	fmt.Fprintln(w, "  -format string          输出格式 (text, json, csv) (默认: text)")
	fmt.Fprintln(w, "  -serve string           以Web服务方式运行 (如 :8080)")
	fmt.Fprintln(w, "  -verbose                显示详细信息")
	fmt.Fprintln(w, "  -help                   显示帮助")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "示例:")
	fmt.Fprintln(w, "  portlens -target 127.0.0.1")
	fmt.Fprintln(w, "  portlens -target 192.168.1.10 -ports common -format json -output result.json")
	fmt.Fprintln(w, "  portlens -serve :8080")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return fallback
}
