// Package api собирает HTTP поверхность сервиса: REST, метрики и WebSocket.
package api

import (
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fundarb/internal/api/handlers"
	"fundarb/internal/api/middleware"
	"fundarb/internal/store"
	"fundarb/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine handlers.ExecutionEngine
	Store  store.TradeStore
	Hub    *websocket.Hub
	Log    *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /trades/
//	│   ├── GET / - последние сделки (?state=&limit=)
//	│   ├── POST / - хеджированный вход
//	│   ├── GET /{id} - одна сделка
//	│   ├── GET /{id}/events - audit trail сделки
//	│   └── POST /{id}/close - хеджированный выход
//	└── /stats/
//	    └── GET / - статистика исполнения
//
// /ws/
//
//	└── /stream - WebSocket поток событий движка
//
// /metrics - Prometheus метрики
// /health - health check
// /debug/pprof/* - профилирование (за DebugAuth)
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
func SetupRoutes(deps *Dependencies) *mux.Router {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	router.Use(middleware.CORS)

	tradeHandler := handlers.NewTradeHandler(deps.Engine, deps.Store)
	statsHandler := handlers.NewStatsHandler(deps.Engine, deps.Store)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/trades", tradeHandler.ListTrades).Methods("GET")
	api.HandleFunc("/trades", tradeHandler.OpenTrade).Methods("POST")
	api.HandleFunc("/trades/{id}", tradeHandler.GetTrade).Methods("GET")
	api.HandleFunc("/trades/{id}/events", tradeHandler.GetTradeEvents).Methods("GET")
	api.HandleFunc("/trades/{id}/close", tradeHandler.CloseTrade).Methods("POST")

	api.HandleFunc("/stats", statsHandler.GetStats).Methods("GET")

	// WebSocket route
	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(deps.Hub, w, r)
		})
	}

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Профилирование за basic auth
	debug := router.PathPrefix("/debug/pprof").Subrouter()
	debug.Use(middleware.DebugAuth)
	debug.HandleFunc("/cmdline", pprof.Cmdline)
	debug.HandleFunc("/profile", pprof.Profile)
	debug.HandleFunc("/symbol", pprof.Symbol)
	debug.HandleFunc("/trace", pprof.Trace)
	debug.PathPrefix("/").HandlerFunc(pprof.Index)
	debug.HandleFunc("", pprof.Index)

	return router
}
