// Package session 负责一次完整的扫描流程：端口探测、漏洞关联以及事件推送。
//
// 每次 Start 都是全新的一轮扫描，不保留上一轮的任何状态。同一个 Runner
// 同时只允许一轮扫描，重复调用 Start 返回 ErrScanInProgress。
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"PortLens/internal/enrich"
	"PortLens/internal/model"
	"PortLens/internal/scanner"
	"PortLens/internal/telemetry"
	"PortLens/internal/utils"
)

// DefaultEnrichThreads 默认并发关联的端口数，NVD 不欢迎突发流量
const DefaultEnrichThreads = 2

const eventBuffer = 256

var ErrScanInProgress = errors.New("扫描正在进行中")

type Runner struct {
	scanner       *scanner.PortScanner
	enricher      *enrich.Coordinator
	ports         []int
	enrichThreads int
	logger        *utils.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func NewRunner(ps *scanner.PortScanner, enricher *enrich.Coordinator, ports []int, enrichThreads int) *Runner {
	if enrichThreads <= 0 {
		enrichThreads = DefaultEnrichThreads
	}
	return &Runner{
		scanner:       ps,
		enricher:      enricher,
		ports:         ports,
		enrichThreads: enrichThreads,
		logger:        utils.NewLogger("session"),
	}
}

// Running 是否有扫描在进行
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start 在后台开始一轮扫描并返回事件通道。调用方必须读取通道直到关闭；
// 通道最后一个事件总是 EventFinished。
func (r *Runner) Start(ctx context.Context, target string) (<-chan model.Event, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrScanInProgress
	}
	scanCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.mu.Unlock()

	sessionID := uuid.NewString()
	events := make(chan model.Event, eventBuffer)
	emit := model.EmitterFunc(func(e model.Event) {
		e.SessionID = sessionID
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		events <- e
	})

	r.logger.With("session", sessionID).Info("开始扫描 %s (%d 个端口)", target, len(r.ports))
	go r.run(scanCtx, cancel, target, emit, events)

	return events, nil
}

// Stop 取消当前扫描：不再派发新的探测和查询，已发出的结果不受影响
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, target string, emit model.Emitter, events chan model.Event) {
	start := time.Now()
	emit.Emit(model.LogEvent(model.LevelInfo, "▶ 扫描开始"))

	sweep := r.scanner.Scan(ctx, target, r.ports, emit)
	queue := forward(ctx, sweep.Records)

	var g errgroup.Group
	g.SetLimit(r.enrichThreads)
	for record := range queue {
		if ctx.Err() != nil {
			continue
		}
		record := record
		g.Go(func() error {
			enriched := r.enricher.Enrich(ctx, record, emit)
			if ctx.Err() != nil {
				// 查询被中途取消，结果不完整
				return nil
			}
			emit.Emit(model.Event{Type: model.EventResult, Result: &enriched})
			return nil
		})
	}
	g.Wait()
	sweep.Wait()

	stats := sweep.Stats()
	summary := &model.ScanSummary{
		Target:    target,
		Scanned:   stats.Scanned,
		Open:      stats.Open,
		Errors:    stats.Errors,
		Cancelled: ctx.Err() != nil,
		Duration:  time.Since(start),
	}
	telemetry.ScanDuration.Observe(summary.Duration.Seconds())

	message := "[完成] 扫描及漏洞库查询完成"
	if summary.Cancelled {
		message = "[取消] 扫描已停止"
	}
	// 先释放运行状态，收到 finished 的调用方可以立即开始下一轮
	r.mu.Lock()
	r.running = false
	r.cancel = nil
	r.mu.Unlock()
	cancel()

	emit.Emit(model.Event{
		Type:    model.EventFinished,
		Level:   model.LevelInfo,
		Message: fmt.Sprintf("%s: 开放端口 %d 个，耗时 %v", message, summary.Open, summary.Duration.Round(time.Millisecond)),
		Summary: summary,
	})
	close(events)
}

// forward 将扫描结果转入无界队列，关联查询变慢时不阻塞端口探测。
// 取消后丢弃尚未关联的端口，但会继续读取 in 直到其关闭。
func forward(ctx context.Context, in <-chan model.PortRecord) <-chan model.PortRecord {
	out := make(chan model.PortRecord)

	go func() {
		defer close(out)

		var pending []model.PortRecord
		for in != nil || len(pending) > 0 {
			if ctx.Err() != nil {
				pending = nil
			}

			var send chan<- model.PortRecord
			var next model.PortRecord
			var done <-chan struct{}
			if len(pending) > 0 {
				send = out
				next = pending[0]
				done = ctx.Done()
			}

			select {
			case record, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				pending = append(pending, record)
			case send <- next:
				pending = pending[1:]
			case <-done:
			}
		}
	}()

	return out
}
