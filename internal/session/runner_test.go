package session

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PortLens/internal/cvedb"
	"PortLens/internal/enrich"
	"PortLens/internal/model"
	"PortLens/internal/scanner"
)

type stubProber struct {
	open  func(port int) bool
	delay time.Duration

	mu     sync.Mutex
	probed map[int]bool
}

func (p *stubProber) Probe(ctx context.Context, host string, port int) scanner.ProbeResult {
	p.mu.Lock()
	if p.probed == nil {
		p.probed = make(map[int]bool)
	}
	p.probed[port] = true
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.open != nil && p.open(port) {
		return scanner.ProbeResult{State: scanner.StateOpen}
	}
	return scanner.ProbeResult{State: scanner.StateClosed}
}

func (p *stubProber) wasProbed(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed[port]
}

type stubQuerier struct {
	mu       sync.Mutex
	keywords []string
	records  map[string][]model.VulnerabilityRecord
}

func (q *stubQuerier) Query(ctx context.Context, keyword string) ([]model.VulnerabilityRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keywords = append(q.keywords, keyword)
	return q.records[keyword], nil
}

func portList(from, to int) []int {
	var ports []int
	for p := from; p <= to; p++ {
		ports = append(ports, p)
	}
	return ports
}

func drain(t *testing.T, events <-chan model.Event) (results []model.EnrichedPort, finished []model.Event, all []model.Event) {
	t.Helper()
	timeout := time.After(30 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			all = append(all, e)
			switch e.Type {
			case model.EventResult:
				results = append(results, *e.Result)
			case model.EventFinished:
				finished = append(finished, e)
			}
		case <-timeout:
			t.Fatal("事件通道未在超时内关闭")
		}
	}
}

func TestRunner_Pipeline(t *testing.T) {
	prober := &stubProber{open: func(port int) bool { return port == 22 || port == 50 }}
	table := model.NewServiceTable(map[int]string{22: "ssh"})
	querier := &stubQuerier{records: map[string][]model.VulnerabilityRecord{
		"22 ssh": {{ID: "CVE-2024-1", Description: "A"}},
		"ssh":    {{ID: "CVE-2024-1", Description: "B"}, {ID: "CVE-2023-2"}},
	}}

	runner := NewRunner(scanner.NewPortScanner(prober, 16, table), enrich.NewCoordinator(querier), portList(1, 100), 2)

	events, err := runner.Start(context.Background(), "127.0.0.1")
	require.NoError(t, err)

	results, finished, all := drain(t, events)

	require.Len(t, finished, 1)
	assert.Equal(t, model.EventFinished, all[len(all)-1].Type)

	summary := finished[0].Summary
	require.NotNil(t, summary)
	assert.Equal(t, 100, summary.Scanned)
	assert.Equal(t, 2, summary.Open)
	assert.False(t, summary.Cancelled)

	require.Len(t, results, 2)
	byPort := map[int]model.EnrichedPort{}
	for _, r := range results {
		byPort[r.Port] = r
	}

	ssh := byPort[22]
	assert.Equal(t, "ssh", ssh.Service)
	require.Len(t, ssh.Vulnerabilities, 2)
	assert.Equal(t, "A", ssh.Vulnerabilities[0].Description)

	unknown := byPort[50]
	assert.Equal(t, model.UnknownService, unknown.Service)
	assert.Empty(t, unknown.Vulnerabilities)

	assert.ElementsMatch(t, []string{"22 ssh", "ssh"}, querier.keywords)

	sessionID := all[0].SessionID
	assert.NotEmpty(t, sessionID)
	for _, e := range all {
		assert.Equal(t, sessionID, e.SessionID)
	}
	assert.False(t, runner.Running())
}

func TestRunner_RejectsConcurrentScan(t *testing.T) {
	prober := &stubProber{delay: 2 * time.Millisecond}
	runner := NewRunner(scanner.NewPortScanner(prober, 1, model.NewServiceTable(nil)),
		enrich.NewCoordinator(&stubQuerier{}), portList(1, 500), 1)

	events, err := runner.Start(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, runner.Running())

	_, err = runner.Start(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, ErrScanInProgress)

	runner.Stop()
	_, finished, _ := drain(t, events)
	require.Len(t, finished, 1)
	assert.True(t, finished[0].Summary.Cancelled)
	assert.False(t, runner.Running())

	// 上一轮结束后可以重新开始
	runner.ports = portList(1, 3)
	events, err = runner.Start(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	_, finished, _ = drain(t, events)
	require.Len(t, finished, 1)
	assert.Equal(t, 3, finished[0].Summary.Scanned)
	assert.False(t, finished[0].Summary.Cancelled)
}

func TestRunner_CancelMidScan(t *testing.T) {
	prober := &stubProber{
		delay: 3 * time.Millisecond,
		open:  func(port int) bool { return port%10 == 0 },
	}
	runner := NewRunner(scanner.NewPortScanner(prober, 2, model.NewServiceTable(nil)),
		enrich.NewCoordinator(&stubQuerier{}), portList(1, 3000), 2)

	events, err := runner.Start(context.Background(), "127.0.0.1")
	require.NoError(t, err)

	time.AfterFunc(50*time.Millisecond, runner.Stop)
	results, finished, all := drain(t, events)

	require.Len(t, finished, 1)
	assert.Equal(t, model.EventFinished, all[len(all)-1].Type)
	assert.True(t, finished[0].Summary.Cancelled)
	assert.Less(t, finished[0].Summary.Scanned, 3000)
	assert.Less(t, len(results), 300)

	for _, r := range results {
		assert.True(t, prober.wasProbed(r.Port), "端口 %d 未被探测却有结果", r.Port)
	}
}

func TestRunner_StopWithoutScan(t *testing.T) {
	runner := NewRunner(scanner.NewPortScanner(&stubProber{}, 1, nil), enrich.NewCoordinator(&stubQuerier{}), nil, 0)
	runner.Stop()
	runner.Stop()
	assert.False(t, runner.Running())
	assert.Equal(t, DefaultEnrichThreads, runner.enrichThreads)
}

func TestRunner_EndToEnd(t *testing.T) {
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

	var mu sync.Mutex
	var keywords []string
	nvd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keywords = append(keywords, r.URL.Query().Get("keywordSearch"))
		mu.Unlock()
		w.Write([]byte(`{"vulnerabilities":[{"cve":{"id":"CVE-2024-1","published":"2024-01-01T00:00:00.000",
			"descriptions":[{"lang":"en","value":"A"}],
			"metrics":{"cvssMetricV30":[{"cvssData":{"baseScore":5.0}}],"cvssMetricV31":[{"cvssData":{"baseScore":9.1}}]}}}]}`))
	}))
	defer nvd.Close()

	table := model.NewServiceTable(map[int]string{port: "ssh"})
	ps := scanner.NewPortScanner(scanner.NewTCPProber(500*time.Millisecond), 4, table)
	client := cvedb.NewClient(cvedb.ClientConfig{BaseURL: nvd.URL})
	runner := NewRunner(ps, enrich.NewCoordinator(client), []int{port}, 1)

	events, err := runner.Start(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	results, finished, _ := drain(t, events)

	require.Len(t, finished, 1)
	require.Len(t, results, 1)
	assert.Equal(t, model.PortRecord{Port: port, Service: "ssh"}, results[0].PortRecord)
	require.Len(t, results[0].Vulnerabilities, 1)
	require.NotNil(t, results[0].Vulnerabilities[0].Score)
	assert.Equal(t, 9.1, *results[0].Vulnerabilities[0].Score)
	assert.Equal(t, []string{strconv.Itoa(port) + " ssh", "ssh"}, keywords)
}

type slowQuerier struct {
	delay time.Duration

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (q *slowQuerier) Query(ctx context.Context, keyword string) ([]model.VulnerabilityRecord, error) {
	q.mu.Lock()
	q.inFlight++
	if q.inFlight > q.peak {
		q.peak = q.inFlight
	}
	q.mu.Unlock()

	time.Sleep(q.delay)

	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
	return nil, nil
}

func TestRunner_EnrichConcurrencyLimit(t *testing.T) {
	services := map[int]string{}
	for p := 1; p <= 20; p++ {
		services[p] = "svc"
	}
	prober := &stubProber{open: func(port int) bool { return true }}
	querier := &slowQuerier{delay: 10 * time.Millisecond}
	runner := NewRunner(scanner.NewPortScanner(prober, 20, model.NewServiceTable(services)),
		enrich.NewCoordinator(querier), portList(1, 20), 3)

	events, err := runner.Start(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	results, finished, _ := drain(t, events)

	require.Len(t, finished, 1)
	assert.Len(t, results, 20)
	assert.LessOrEqual(t, querier.peak, 3)
	assert.Greater(t, querier.peak, 1)
}

func TestRunner_RestartOnFinished(t *testing.T) {
	runner := NewRunner(scanner.NewPortScanner(&stubProber{}, 4, model.NewServiceTable(nil)),
		enrich.NewCoordinator(&stubQuerier{}), portList(1, 10), 1)

	for i := 0; i < 50; i++ {
		events, err := runner.Start(context.Background(), "127.0.0.1")
		require.NoError(t, err)

		var restarted <-chan model.Event
		for e := range events {
			if e.Type == model.EventFinished {
				assert.False(t, runner.Running())
				restarted, err = runner.Start(context.Background(), "127.0.0.1")
				require.NoError(t, err)
			}
		}
		_, finished, _ := drain(t, restarted)
		require.Len(t, finished, 1)
	}
}
