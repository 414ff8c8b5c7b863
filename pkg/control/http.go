package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"stockstream.com/pkg/audit"
	"stockstream.com/pkg/cache"
	"stockstream.com/pkg/market"
)

// Banner 根路径返回的文本
const Banner = "WebSocket Real-Time Stock Simulation Server is running!"

const (
	defaultCandleWidth  = time.Second
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Handler 管理端 HTTP 路由
//
//	GET  /                     存活文本
//	GET  /healthz              服务状态
//	POST /control/shock/toggle 翻转冲击开关
//	PUT  /control/shock        设置冲击开关 {"enabled": bool}
//	GET  /control/status       运行状态
//	GET  /stats                窗口统计
//	GET  /candles?width=1s     K 线
//	GET  /ticks/latest         缓存的最新报价
//	GET  /ticks/recent?n=50    缓存的最近报价
//	GET  /control/history      最近的控制事件
func (s *Surface) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /control/shock/toggle", s.handleToggle)
	mux.HandleFunc("PUT /control/shock", s.handleSet)
	mux.HandleFunc("GET /control/status", s.handleStatus)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /candles", s.handleCandles)
	mux.HandleFunc("GET /ticks/latest", s.handleLatest)
	mux.HandleFunc("GET /ticks/recent", s.handleRecent)
	mux.HandleFunc("GET /control/history", s.handleHistory)
	return mux
}

type shockBody struct {
	Enabled *bool `json:"enabled"`
}

type shockResponse struct {
	ShockEnabled bool `json:"shock_enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Surface) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

func (s *Surface) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

func (s *Surface) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := "unknown"
	if s.d.State != nil {
		state = s.d.State()
	}
	code := http.StatusOK
	if state != "running" && state != "unknown" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"state": state})
}

func (s *Surface) handleToggle(w http.ResponseWriter, r *http.Request) {
	enabled := s.ToggleShock("http:" + r.RemoteAddr)
	s.writeJSON(w, http.StatusOK, shockResponse{ShockEnabled: enabled})
}

func (s *Surface) handleSet(w http.ResponseWriter, r *http.Request) {
	var body shockBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&body); err != nil || body.Enabled == nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"enabled": true|false}`})
		return
	}
	enabled := s.SetShock(*body.Enabled, "http:"+r.RemoteAddr)
	s.writeJSON(w, http.StatusOK, shockResponse{ShockEnabled: enabled})
}

func (s *Surface) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Status())
}

func (s *Surface) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, ok := s.Stats()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "history disabled"})
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Surface) handleCandles(w http.ResponseWriter, r *http.Request) {
	width := defaultCandleWidth
	if v := r.URL.Query().Get("width"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid width: " + v})
			return
		}
		width = d
	}
	candles, ok := s.Candles(width)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "history disabled"})
		return
	}
	if candles == nil {
		candles = []market.Candle{}
	}
	s.writeJSON(w, http.StatusOK, candles)
}

// intParam 解析非负整数参数，缺省时返回 def
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return n, nil
}

func (s *Surface) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.d.Ticks == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "tick cache disabled"})
		return
	}
	q, err := s.d.Ticks.Latest(r.Context(), s.d.Symbol)
	switch {
	case errors.Is(err, cache.ErrNoTick):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		s.logger.Warn("read tick cache", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusOK, q)
	}
}

func (s *Surface) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.d.Ticks == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "tick cache disabled"})
		return
	}
	n, err := intParam(r, "n", 0)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	quotes, err := s.d.Ticks.Recent(r.Context(), s.d.Symbol, n)
	if err != nil {
		s.logger.Warn("read tick cache", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, quotes)
}

func (s *Surface) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil || limit == 0 || limit > maxHistoryLimit {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be in [1, 500]"})
		return
	}
	events, ok, err := s.RecentControls(r.Context(), limit)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "audit history disabled"})
		return
	}
	if err != nil {
		s.logger.Warn("read audit history", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if events == nil {
		events = []audit.ControlEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}
