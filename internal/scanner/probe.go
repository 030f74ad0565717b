package scanner

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DefaultTimeout 单端口探测默认超时
const DefaultTimeout = time.Second

// 文件描述符耗尽时的重试策略
const (
	exhaustedRetries = 3
	exhaustedBackoff = 50 * time.Millisecond
)

// State 端口探测结果
type State int

const (
	StateClosed State = iota
	StateOpen
	StateError
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "error"
	}
}

// ProbeResult 单次探测结果，Err 仅在 StateError 时非空
type ProbeResult struct {
	State State
	Err   error
}

// Prober 对单个端口做一次连接尝试
type Prober interface {
	Probe(ctx context.Context, host string, port int) ProbeResult
}

// TCPProber TCP connect 探测
type TCPProber struct {
	Timeout time.Duration
	// TimeoutAsClosed 为 true 时超时视为关闭，否则视为错误
	TimeoutAsClosed bool
}

// NewTCPProber 创建探测器，timeout 非正时使用默认值
func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPProber{
		Timeout:         timeout,
		TimeoutAsClosed: true,
	}
}

// Probe 尝试建立TCP连接，最迟在 Timeout 之后返回（文件描述符耗尽重试除外）
func (p *TCPProber) Probe(ctx context.Context, host string, port int) ProbeResult {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	var dialer net.Dialer
	for attempt := 0; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		conn, err := dialer.DialContext(dialCtx, "tcp", address)
		cancel()

		if err == nil {
			conn.Close()
			return ProbeResult{State: StateOpen}
		}

		if isResourceExhausted(err) && attempt < exhaustedRetries {
			select {
			case <-ctx.Done():
				return ProbeResult{State: StateClosed}
			case <-time.After(exhaustedBackoff):
			}
			continue
		}

		return p.classify(ctx, err)
	}
}

func (p *TCPProber) classify(ctx context.Context, err error) ProbeResult {
	// 调用方取消不算错误
	if ctx.Err() != nil {
		return ProbeResult{State: StateClosed}
	}

	if isRefused(err) {
		return ProbeResult{State: StateClosed}
	}

	if isTimeout(err) {
		if p.TimeoutAsClosed {
			return ProbeResult{State: StateClosed}
		}
		return ProbeResult{State: StateError, Err: err}
	}

	return ProbeResult{State: StateError, Err: err}
}

func isRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "refused")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isResourceExhausted(err error) bool {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return true
	}
	return strings.Contains(err.Error(), "too many open files")
}
