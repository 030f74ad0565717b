package scanner

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PortLens/internal/model"
)

// fakeProber 按预设结果返回，并记录被探测的端口
type fakeProber struct {
	open   map[int]bool
	failed map[int]bool
	delay  time.Duration

	mu     sync.Mutex
	probed []int
	calls  atomic.Int64
}

func (f *fakeProber) Probe(ctx context.Context, host string, port int) ProbeResult {
	f.calls.Add(1)
	f.mu.Lock()
	f.probed = append(f.probed, port)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	switch {
	case f.open[port]:
		return ProbeResult{State: StateOpen}
	case f.failed[port]:
		return ProbeResult{State: StateError, Err: errors.New("network is unreachable")}
	}
	return ProbeResult{State: StateClosed}
}

type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) Emit(e model.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Message)
	}
	return out
}

func collect(sweep *Sweep) []model.PortRecord {
	var records []model.PortRecord
	for r := range sweep.Records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Port < records[j].Port })
	return records
}

func portsRange(from, to int) []int {
	var ports []int
	for p := from; p <= to; p++ {
		ports = append(ports, p)
	}
	return ports
}

func TestPortScanner_ParsePortRange(t *testing.T) {
	ps := NewPortScanner(&fakeProber{}, 10, model.NewServiceTable(map[int]string{22: "ssh", 80: "http"}))

	ports, err := ps.ParsePortRange("")
	require.NoError(t, err)
	assert.Len(t, ports, 65535)
	assert.Equal(t, 1, ports[0])
	assert.Equal(t, 65535, ports[len(ports)-1])

	ports, err = ps.ParsePortRange("80, 20-22,80")
	require.NoError(t, err)
	assert.Equal(t, []int{20, 21, 22, 80}, ports)

	ports, err = ps.ParsePortRange("common")
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80}, ports)

	for _, bad := range []string{"0", "65536", "10-5", "a-b", "1-2-3", "x", ","} {
		_, err := ps.ParsePortRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewPortScanner_CapsThreads(t *testing.T) {
	assert.Equal(t, DefaultThreads, NewPortScanner(&fakeProber{}, 0, nil).Threads())
	assert.Equal(t, MaxThreads, NewPortScanner(&fakeProber{}, 1_000_000, nil).Threads())
}

func TestPortScanner_Scan_ResolvesServiceNames(t *testing.T) {
	prober := &fakeProber{
		open:   map[int]bool{22: true, 31337: true},
		failed: map[int]bool{23: true},
	}
	table := model.NewServiceTable(map[int]string{22: "ssh"})
	ps := NewPortScanner(prober, 8, table)
	events := &eventLog{}

	sweep := ps.Scan(context.Background(), "127.0.0.1", []int{21, 22, 23, 31337}, events)
	records := collect(sweep)

	assert.Equal(t, []model.PortRecord{
		{Port: 22, Service: "ssh"},
		{Port: 31337, Service: model.UnknownService},
	}, records)

	stats := sweep.Stats()
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 1, stats.Errors)
	assert.False(t, stats.Cancelled)

	msgs := events.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "🔎 总计开放端口数: 2", msgs[len(msgs)-1])
	assert.Contains(t, msgs, "⚠ 端口探测错误: 23 - network is unreachable")
}

func TestPortScanner_Scan_FullRange(t *testing.T) {
	prober := &fakeProber{open: map[int]bool{8443: true}}
	ps := NewPortScanner(prober, 256, model.NewServiceTable(nil))

	ports, err := ps.ParsePortRange("all")
	require.NoError(t, err)

	records := collect(ps.Scan(context.Background(), "localhost", ports, nil))

	require.Len(t, records, 1)
	assert.Equal(t, 8443, records[0].Port)
	assert.EqualValues(t, 65535, prober.calls.Load())
}

func TestPortScanner_Scan_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	closed := closedPort(t)

	ps := NewPortScanner(NewTCPProber(500*time.Millisecond), 4, model.NewServiceTable(nil))
	records := collect(ps.Scan(context.Background(), "127.0.0.1", []int{port, closed}, nil))

	require.Len(t, records, 1)
	assert.Equal(t, port, records[0].Port)
	assert.Equal(t, model.UnknownService, records[0].Service)
}

func TestPortScanner_Scan_Restartable(t *testing.T) {
	prober := &fakeProber{open: map[int]bool{5: true}}
	ps := NewPortScanner(prober, 4, model.NewServiceTable(map[int]string{5: "rje"}))

	first := collect(ps.Scan(context.Background(), "h", portsRange(1, 10), nil))
	second := collect(ps.Scan(context.Background(), "h", portsRange(1, 10), nil))

	assert.Equal(t, first, second)
	assert.EqualValues(t, 20, prober.calls.Load())
}

func TestPortScanner_Scan_Cancel(t *testing.T) {
	prober := &fakeProber{delay: 5 * time.Millisecond, open: map[int]bool{1: true}}
	ps := NewPortScanner(prober, 2, model.NewServiceTable(nil))
	events := &eventLog{}

	ctx, cancel := context.WithCancel(context.Background())
	sweep := ps.Scan(ctx, "h", portsRange(1, 1000), events)

	time.Sleep(30 * time.Millisecond)
	cancel()
	collect(sweep)

	stats := sweep.Stats()
	assert.True(t, stats.Cancelled)
	assert.Less(t, stats.Scanned, 1000)
	assert.Less(t, int(prober.calls.Load()), 1000)

	msgs := events.messages()
	assert.Equal(t, "🔎 总计开放端口数: "+strconv.Itoa(stats.Open), msgs[len(msgs)-1])
}
