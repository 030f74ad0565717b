package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PortLens/internal/model"
	"PortLens/internal/session"
	"PortLens/internal/utils"
)

// Server 提供扫描控制接口、结果查询和事件推送
type Server struct {
	Addr   string
	hub    *Hub
	logger *utils.Logger
	// scanCtx 扫描的生命周期跟随服务而不是单个请求
	scanCtx context.Context
	srv     *http.Server
}

func NewServer(addr string, hub *Hub) *Server {
	return &Server{
		Addr:    addr,
		hub:     hub,
		logger:  utils.NewLogger("web"),
		scanCtx: context.Background(),
	}
}

// Router 注册所有路由
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/scan", s.handleStartScan).Methods(http.MethodPost)
	api.HandleFunc("/scan/stop", s.handleStopScan).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/results", s.handleResults).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run 启动服务，ctx 结束时优雅关闭并停止正在进行的扫描
func (s *Server) Run(ctx context.Context) error {
	s.scanCtx = ctx
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("Web服务关闭中...")
		s.hub.StopScan()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Web服务关闭出错: %v", err)
		}
	}()

	s.logger.Info("Web服务监听 %s", s.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	err := s.hub.StartScan(s.scanCtx)
	if errors.Is(err, session.ErrScanInProgress) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	s.hub.StopScan()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Status())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	criterion, err := model.ParseSortCriterion(r.URL.Query().Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Snapshot(criterion))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
