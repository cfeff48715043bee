package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"entitytrack/tracking"
)

// DefaultRoom 未指定房间时使用
const DefaultRoom = "room-1"

// Server 汇总 HTTP 入口：WebSocket 接入、管理与监控接口
type Server struct {
	rooms  *RoomManager
	router *mux.Router
}

// NewServer staticDir 非空时把 / 映射到静态资源目录
func NewServer(rooms *RoomManager, staticDir string) *Server {
	s := &Server{rooms: rooms, router: mux.NewRouter()}

	s.router.HandleFunc("/ws", s.HandleWS).Methods(http.MethodGet)
	// 管理与监控接口
	s.router.HandleFunc("/admin/config", s.HandleAdminConfig).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/metrics", s.HandleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/rooms", s.HandleRooms).Methods(http.MethodGet)
	s.router.HandleFunc("/rooms/{room}/entities", s.HandleListEntities).Methods(http.MethodGet)
	s.router.HandleFunc("/rooms/{room}/entities", s.HandleEntityOp).Methods(http.MethodPost)
	s.router.HandleFunc("/rooms/{room}/observers/{player}", s.HandleObserver).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if staticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Rooms() *RoomManager { return s.rooms }

// statusFor 把追踪约定错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracking.ErrUnknownObserver), errors.Is(err, tracking.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrDuplicateObserver), errors.Is(err, tracking.ErrDuplicateEntity):
		return http.StatusConflict
	case errors.Is(err, tracking.ErrEntityRemoved):
		return http.StatusGone
	case errors.Is(err, tracking.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrRoomStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
