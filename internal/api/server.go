package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/monitor"
	"DustSweep/internal/observability/metrics"
	"DustSweep/internal/sweep"
	"DustSweep/pkg/logger"
)

const sweepsPath = "/api/v1/sweeps"

// SweepService 是 API 依赖的业务接口。
type SweepService interface {
	Submit(ctx context.Context, req sweep.SubmitRequest) (*sweep.SubmitResult, error)
	Status(ctx context.Context, id string) (*sweep.StatusView, error)
	Stats(ctx context.Context, wallet string) (sweep.Stats, error)
}

// HealthReporter 提供最近一次上游协议健康检查的结果。
type HealthReporter interface {
	Report() monitor.Report
}

// Server 负责暴露 REST 接口，供外部提交清扫并查询状态。
type Server struct {
	addr   string
	sweeps SweepService
	health HealthReporter
	log    *slog.Logger
}

// ServerOption 用于定制 Server。
type ServerOption func(*Server)

// WithHealthReporter 启用 /api/v1/health。
func WithHealthReporter(h HealthReporter) ServerOption {
	return func(s *Server) { s.health = h }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sweeps SweepService, opts ...ServerOption) *Server {
	s := &Server{addr: addr, sweeps: sweeps, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(sweepsPath, instrument("sweeps", http.HandlerFunc(s.handleSweeps)))
	mux.Handle(sweepsPath+"/", instrument("sweep_detail", http.HandlerFunc(s.handleSweepDetail)))
	mux.Handle("/api/v1/stats", instrument("stats", http.HandlerFunc(s.handleStats)))
	mux.Handle("/api/v1/health", instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 POST"))
		return
	}
	if s.sweeps == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, ""))
		return
	}

	var req sweep.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	result, err := s.sweeps.Submit(r.Context(), req)
	if err != nil {
		if xerrors.CodeOf(err) == sweep.CodeUntrustedPrice && result != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"code":     sweep.CodeUntrustedPrice,
				"message":  xerrors.MessageOf(err),
				"rejected": result.Rejected,
			})
			return
		}
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleHealth 返回各上游协议的健康状态，任一协议异常时返回 503。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	if s.health == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "健康检查未启用"))
		return
	}
	report := s.health.Report()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleSweepDetail 返回单个清扫的状态，优先读取缓存中的实时状态。
func (s *Server) handleSweepDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, sweepsPath), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "缺少清扫 ID"))
		return
	}
	if s.sweeps == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, ""))
		return
	}

	view, err := s.sweeps.Status(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleStats 返回按状态聚合的清扫数量，可通过 wallet 参数过滤。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	if s.sweeps == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, ""))
		return
	}
	stats, err := s.sweeps.Stats(r.Context(), strings.TrimSpace(r.URL.Query().Get("wallet")))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}
	writeError(w, status, err)
}

// statusFor 将统一错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, sweep.CodeNotFound:
		return http.StatusNotFound
	case sweep.CodeConfiguration, sweep.CodeUntrustedPrice:
		return http.StatusUnprocessableEntity
	case sweep.CodeInvalidTransition:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, xerrors.CodeQueueFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Code: xerrors.CodeOf(err), Message: xerrors.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个请求的状态码与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
