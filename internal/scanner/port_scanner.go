package scanner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"PortLens/internal/model"
	"PortLens/internal/telemetry"
	"PortLens/internal/utils"
)

const (
	// DefaultThreads 默认并发探测数
	DefaultThreads = 200
	// MaxThreads 并发上限，避免耗尽本地套接字
	MaxThreads = 2000

	defaultProgressEvery = 5000
)

type PortScanner struct {
	prober        Prober
	threads       int
	table         *model.ServiceTable
	logger        *utils.Logger
	progressEvery int
}

func NewPortScanner(prober Prober, threads int, table *model.ServiceTable) *PortScanner {
	if threads <= 0 {
		threads = DefaultThreads
	}
	if threads > MaxThreads {
		threads = MaxThreads
	}
	return &PortScanner{
		prober:        prober,
		threads:       threads,
		table:         table,
		logger:        utils.NewLogger("scanner"),
		progressEvery: defaultProgressEvery,
	}
}

// Threads 实际使用的并发数
func (ps *PortScanner) Threads() int {
	return ps.threads
}

// ParsePortRange 解析端口范围
func (ps *PortScanner) ParsePortRange(portRange string) ([]int, error) {
	switch strings.ToLower(strings.TrimSpace(portRange)) {
	case "", "all":
		ports := make([]int, 0, 65535)
		for port := 1; port <= 65535; port++ {
			ports = append(ports, port)
		}
		return ports, nil
	case "common", "default":
		// 服务映射表中的端口即常见端口
		ports := ps.table.Ports()
		if len(ports) == 0 {
			return nil, fmt.Errorf("服务映射表为空，无法确定常见端口")
		}
		ps.logger.Info("扫描常见端口 (%d个)", len(ports))
		return ports, nil
	}

	var ports []int

	parts := strings.Split(portRange, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("无效的端口范围: %s", part)
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("无效的起始端口: %s", rangeParts[0])
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("无效的结束端口: %s", rangeParts[1])
			}

			if start > end {
				return nil, fmt.Errorf("起始端口不能大于结束端口: %s", part)
			}

			if start < 1 || end > 65535 {
				return nil, fmt.Errorf("端口范围必须在 1-65535 之间: %s", part)
			}

			for port := start; port <= end; port++ {
				ports = append(ports, port)
			}
		} else {
			port, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("无效的端口号: %s", part)
			}

			if port < 1 || port > 65535 {
				return nil, fmt.Errorf("端口号必须在 1-65535 之间: %d", port)
			}

			ports = append(ports, port)
		}
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("端口范围为空: %q", portRange)
	}

	return removeDuplicatesAndSort(ports), nil
}

func removeDuplicatesAndSort(ports []int) []int {
	seen := make(map[int]bool, len(ports))
	unique := ports[:0:0]
	for _, port := range ports {
		if !seen[port] {
			seen[port] = true
			unique = append(unique, port)
		}
	}
	sort.Ints(unique)
	return unique
}

// ScanStats 一轮扫描的计数，Records 关闭后读取
type ScanStats struct {
	Total     int
	Scanned   int
	Open      int
	Errors    int
	Cancelled bool
	Duration  time.Duration
}

// Sweep 一轮扫描，每次 Scan 调用都会创建新的实例
type Sweep struct {
	// Records 开放端口，顺序取决于探测完成顺序；所有探测结束后关闭
	Records <-chan model.PortRecord

	total    int
	scanned  atomic.Int64
	open     atomic.Int64
	errors   atomic.Int64
	started  time.Time
	duration time.Duration
	ctx      context.Context
	done     chan struct{}
}

// Wait 等待所有探测结束
func (s *Sweep) Wait() {
	<-s.done
}

// Stats 返回计数；在 Records 关闭之前调用得到的是中间值
func (s *Sweep) Stats() ScanStats {
	stats := ScanStats{
		Total:   s.total,
		Scanned: int(s.scanned.Load()),
		Open:    int(s.open.Load()),
		Errors:  int(s.errors.Load()),
	}
	select {
	case <-s.done:
		stats.Duration = s.duration
		stats.Cancelled = s.ctx.Err() != nil && stats.Scanned < stats.Total
	default:
	}
	return stats
}

// Scan 并发探测 ports，对开放端口解析服务名后写入 Records。
// ctx 取消后不再派发新端口，已在进行中的探测会正常结束。
func (ps *PortScanner) Scan(ctx context.Context, target string, ports []int, emit model.Emitter) *Sweep {
	if emit == nil {
		emit = model.Discard
	}

	results := make(chan model.PortRecord, 64)
	sweep := &Sweep{
		Records: results,
		total:   len(ports),
		started: time.Now(),
		ctx:     ctx,
		done:    make(chan struct{}),
	}

	workers := ps.threads
	if workers > len(ports) {
		workers = len(ports)
	}

	emit.Emit(model.LogEvent(model.LevelInfo,
		fmt.Sprintf("🔍 开始扫描 %s 的 %d 个端口 (并发 %d)", target, len(ports), workers)))

	portChan := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go ps.worker(ctx, target, portChan, results, sweep, emit, &wg)
	}

	go func() {
	dispatch:
		for _, port := range ports {
			select {
			case portChan <- port:
			case <-ctx.Done():
				break dispatch
			}
		}
		close(portChan)
		wg.Wait()

		sweep.duration = time.Since(sweep.started)
		open := sweep.open.Load()
		if ctx.Err() != nil {
			emit.Emit(model.LogEvent(model.LevelWarn,
				fmt.Sprintf("⏹ 扫描已取消: 已探测 %d/%d 个端口", sweep.scanned.Load(), sweep.total)))
		}
		emit.Emit(model.LogEvent(model.LevelInfo, fmt.Sprintf("🔎 总计开放端口数: %d", open)))
		ps.logger.Debug("扫描 %s 结束，开放 %d 个，耗时 %v", target, open, sweep.duration)

		close(sweep.done)
		close(results)
	}()

	return sweep
}

func (ps *PortScanner) worker(ctx context.Context, target string, ports <-chan int, results chan<- model.PortRecord,
	sweep *Sweep, emit model.Emitter, wg *sync.WaitGroup) {
	defer wg.Done()

	for port := range ports {
		if ctx.Err() != nil {
			return
		}

		res := ps.prober.Probe(ctx, target, port)
		telemetry.ProbesTotal.WithLabelValues(res.State.String()).Inc()

		switch res.State {
		case StateOpen:
			record := model.PortRecord{Port: port, Service: ps.table.Lookup(port)}
			select {
			case results <- record:
				sweep.open.Add(1)
				telemetry.OpenPortsTotal.Inc()
				emit.Emit(model.LogEvent(model.LevelInfo,
					fmt.Sprintf("✅ 发现开放端口: %d (%s)", record.Port, record.Service)))
			case <-ctx.Done():
			}
		case StateError:
			sweep.errors.Add(1)
			emit.Emit(model.LogEvent(model.LevelWarn, fmt.Sprintf("⚠ 端口探测错误: %d - %v", port, res.Err)))
		default:
			ps.logger.Debug("端口 %d 关闭", port)
		}

		if n := sweep.scanned.Add(1); ps.progressEvery > 0 && n%int64(ps.progressEvery) == 0 {
			emit.Emit(model.LogEvent(model.LevelDebug, fmt.Sprintf("进度: %d/%d", n, sweep.total)))
		}
	}
}
