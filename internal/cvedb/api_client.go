package cvedb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"PortLens/internal/model"
	"PortLens/internal/telemetry"
	"PortLens/internal/utils"
)

const (
	DefaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	DefaultTimeout = 10 * time.Second

	userAgent = "PortLens/1.0"
	// 错误信息中附带的响应体长度上限
	maxErrorBody = 512

	// NVD 公开限速：无 key 每30秒5次，有 key 每30秒50次
	rateWindow   = 30 * time.Second
	keylessBurst = 5
	keyedBurst   = 50
)

// ClientConfig CVE API客户端配置
type ClientConfig struct {
	BaseURL string
	// APIKey 非空时通过 apiKey 请求头发送
	APIKey  string
	Timeout time.Duration
	// MinInterval 非零时覆盖默认限速，相邻请求至少间隔 MinInterval
	MinInterval time.Duration
	// Cache 可选的查询缓存
	Cache *QueryCache
	// HTTPClient 为空时按 Timeout 创建
	HTTPClient *http.Client
}

// QueryError 单个关键字查询失败。StatusCode 为 0 表示传输层或解析错误。
type QueryError struct {
	Keyword    string
	StatusCode int
	Err        error
}

func (e *QueryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("NVD请求失败 (%d) for query '%s'", e.StatusCode, e.Keyword)
	}
	return fmt.Sprintf("请求中出错: %v for query '%s'", e.Err, e.Keyword)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Client 用于从NVD API按关键字查询漏洞的客户端
type Client struct {
	baseURL    string
	apiKey     string
	cache      *QueryCache
	logger     *utils.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "?"),
		apiKey:     cfg.APIKey,
		cache:      cfg.Cache,
		logger:     utils.NewLogger("cve-api-client"),
		httpClient: httpClient,
		limiter:    newLimiter(cfg),
	}
}

func newLimiter(cfg ClientConfig) *rate.Limiter {
	if cfg.MinInterval > 0 {
		return rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	if cfg.APIKey != "" {
		return rate.NewLimiter(rate.Every(rateWindow/keyedBurst), keyedBurst)
	}
	return rate.NewLimiter(rate.Every(rateWindow/keylessBurst), keylessBurst)
}

// NVDResponse NVD CVE API 2.0 响应
type NVDResponse struct {
	ResultsPerPage  int                `json:"resultsPerPage"`
	StartIndex      int                `json:"startIndex"`
	TotalResults    int                `json:"totalResults"`
	Vulnerabilities []NVDVulnerability `json:"vulnerabilities"`
}

type NVDVulnerability struct {
	CVE NVDCVE `json:"cve"`
}

type NVDCVE struct {
	ID            string           `json:"id"`
	Published     string           `json:"published"`
	PublishedDate string           `json:"publishedDate"`
	LastModified  string           `json:"lastModified"`
	VulnStatus    string           `json:"vulnStatus"`
	Descriptions  []NVDDescription `json:"descriptions"`
	Metrics       NVDMetrics       `json:"metrics"`
}

type NVDDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type NVDMetrics struct {
	CvssMetricV31 []NVDCVSSMetric `json:"cvssMetricV31"`
	CvssMetricV30 []NVDCVSSMetric `json:"cvssMetricV30"`
}

type NVDCVSSMetric struct {
	Source   string      `json:"source"`
	Type     string      `json:"type"`
	CvssData NVDCVSSData `json:"cvssData"`
}

type NVDCVSSData struct {
	Version      string   `json:"version"`
	Vector       string   `json:"vectorString"`
	BaseScore    *float64 `json:"baseScore"`
	BaseSeverity string   `json:"baseSeverity"`
}

// Query 按关键字查询漏洞。失败时返回 *QueryError，调用方应视为该关键字无结果。
func (client *Client) Query(ctx context.Context, keyword string) ([]model.VulnerabilityRecord, error) {
	keyword = strings.TrimSpace(keyword)

	if client.cache != nil {
		records, ok, err := client.cache.Get(ctx, keyword)
		if err != nil {
			client.logger.Warn("读取查询缓存失败: %v", err)
		} else if ok {
			telemetry.VulnQueriesTotal.WithLabelValues(telemetry.QueryCacheHit).Inc()
			client.logger.Debug("缓存命中: %s (%d)", keyword, len(records))
			return records, nil
		}
	}

	if err := client.limiter.Wait(ctx); err != nil {
		telemetry.VulnQueriesTotal.WithLabelValues(telemetry.QueryTransportError).Inc()
		return nil, &QueryError{Keyword: keyword, Err: err}
	}

	records, err := client.fetch(ctx, keyword)
	if err != nil {
		return nil, err
	}
	telemetry.VulnQueriesTotal.WithLabelValues(telemetry.QueryOK).Inc()

	if client.cache != nil {
		if err := client.cache.Put(ctx, keyword, records); err != nil {
			client.logger.Warn("写入查询缓存失败: %v", err)
		}
	}

	return records, nil
}

func (client *Client) fetch(ctx context.Context, keyword string) ([]model.VulnerabilityRecord, error) {
	reqURL := client.baseURL + "?" + url.Values{"keywordSearch": {keyword}}.Encode()
	client.logger.Debug("请求URL: %s", reqURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &QueryError{Keyword: keyword, Err: fmt.Errorf("创建请求失败: %w", err)}
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if client.apiKey != "" {
		req.Header.Set("apiKey", client.apiKey)
	}

	resp, err := client.httpClient.Do(req)
	if err != nil {
		telemetry.VulnQueriesTotal.WithLabelValues(telemetry.QueryTransportError).Inc()
		return nil, &QueryError{Keyword: keyword, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		telemetry.VulnQueriesTotal.WithLabelValues(telemetry.QueryHTTPError).Inc()
		return nil, &QueryError{
			Keyword:    keyword,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("API返回错误: %s, 响应: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}

	var nvdResponse NVDResponse
	if err := json.NewDecoder(resp.Body).Decode(&nvdResponse); err != nil {
		telemetry.VulnQueriesTotal.WithLabelValues(telemetry.QueryTransportError).Inc()
		return nil, &QueryError{Keyword: keyword, Err: fmt.Errorf("解析JSON失败: %w", err)}
	}

	records := ConvertResponse(nvdResponse)
	client.logger.Debug("关键字 %s 返回 %d 条, 有效 %d 条, 总结果数: %d",
		keyword, len(nvdResponse.Vulnerabilities), len(records), nvdResponse.TotalResults)
	return records, nil
}

// ConvertResponse 将NVD响应转换为漏洞记录，丢弃无ID的条目，同一响应内重复ID保留第一条
func ConvertResponse(resp NVDResponse) []model.VulnerabilityRecord {
	records := make([]model.VulnerabilityRecord, 0, len(resp.Vulnerabilities))
	seen := make(map[string]bool, len(resp.Vulnerabilities))

	for _, vuln := range resp.Vulnerabilities {
		record, ok := convertNVDToRecord(vuln)
		if !ok || seen[record.ID] {
			continue
		}
		seen[record.ID] = true
		records = append(records, record)
	}
	return records
}

func convertNVDToRecord(vuln NVDVulnerability) (model.VulnerabilityRecord, bool) {
	cve := vuln.CVE
	id := strings.TrimSpace(cve.ID)
	if id == "" {
		return model.VulnerabilityRecord{}, false
	}

	record := model.VulnerabilityRecord{ID: id}

	// 取第一条非空描述
	for _, desc := range cve.Descriptions {
		if desc.Value != "" {
			record.Description = desc.Value
			break
		}
	}

	raw := cve.Published
	if raw == "" {
		raw = cve.PublishedDate
	}
	record.PublishedRaw = raw
	if published, ok := ParseTimestamp(raw); ok {
		record.Published = &published
	}

	// 3.1 优先于 3.0
	for _, metrics := range [][]NVDCVSSMetric{cve.Metrics.CvssMetricV31, cve.Metrics.CvssMetricV30} {
		if len(metrics) == 0 || metrics[0].CvssData.BaseScore == nil {
			continue
		}
		data := metrics[0].CvssData
		if score, ok := model.NormalizeScore(*data.BaseScore); ok {
			record.Score = &score
			record.Severity = data.BaseSeverity
			record.MetricVersion = data.Version
		}
		break
	}

	return record, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp 解析类ISO-8601时间，末尾的 Z 视为UTC，无时区的按UTC处理
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
