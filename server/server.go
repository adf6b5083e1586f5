package server

import (
	"context"
	"net/http"
	"time"

	"QFMConsole/config"
	"QFMConsole/core/engine"
	"QFMConsole/core/events"
	"QFMConsole/logger"
	"QFMConsole/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Console 控制服务需要的引擎能力
type Console interface {
	Dispatch(ctx context.Context, in engine.Intent) error
	State() engine.State
	Tracks() []model.TrackInfo
	Bus() *events.Bus
}

// Server 控制台的 HTTP/WebSocket 服务
type Server struct {
	cfg      *config.Config
	console  Console
	hub      *ControlHub
	router   *mux.Router
	upgrader websocket.Upgrader
	archive  http.Handler
}

// New 创建服务并注册路由
func New(cfg *config.Config, console Console) *Server {
	s := &Server{
		cfg:     cfg,
		console: console,
		hub:     NewControlHub(),
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	router := s.router

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	router.HandleFunc("/api/state", s.StateHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/devices", s.DevicesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks", s.TracksHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/intents", s.IntentHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/requests", s.RequestHandler).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/ws/control", s.ControlHandler).Methods(http.MethodGet)
	router.PathPrefix("/archive/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.archive == nil {
			http.Error(w, "archive not enabled", http.StatusNotFound)
			return
		}
		s.archive.ServeHTTP(w, r)
	})
}

// SetArchive 挂载推流归档下载
func (s *Server) SetArchive(h http.Handler) {
	s.archive = h
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub 控制通道
func (s *Server) Hub() *ControlHub {
	return s.hub
}

// Start 启动控制通道和 HTTP 服务，ctx 取消时优雅关闭
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.hub.Forward(ctx, s.console.Bus())
	defer s.hub.Stop()

	srv := &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control server starting", logger.String("addr", s.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down control server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("control server stopped")
	return nil
}
