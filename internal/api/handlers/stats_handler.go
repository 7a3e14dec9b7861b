package handlers

import (
	"encoding/json"
	"net/http"

	"fundarb/internal/engine"
	"fundarb/internal/store"
)

// StatsHandler обрабатывает HTTP запросы к статистике исполнения.
//
// Endpoints:
// - GET /api/v1/stats - счётчики движка плюс распределение сделок по состояниям
//
// Статистика включает:
// - Количество входов (всего/успешных/неудачных)
// - Счётчики откатов (запущено/успешно/провалено)
// - Активные исполнения и глубину очереди откатов
// - Количество сделок в каждом состоянии по данным хранилища
type StatsHandler struct {
	engine ExecutionEngine
	store  store.TradeStore
}

// NewStatsHandler создает новый StatsHandler с внедрением зависимостей.
func NewStatsHandler(eng ExecutionEngine, st store.TradeStore) *StatsHandler {
	return &StatsHandler{
		engine: eng,
		store:  st,
	}
}

// StatsResponse агрегированная статистика для API
type StatsResponse struct {
	Execution *engine.ExecutionStats `json:"execution"`
	ByState   map[string]int         `json:"trades_by_state"`
}

// мониторятся состояния, по которым оператор принимает решения
var reportedStates = []string{
	engine.StatePending,
	engine.StateComplete,
	engine.StateFailed,
	engine.StateRollbackQueued,
	engine.StateRollbackInProgress,
	engine.StateRollbackDone,
	engine.StateRollbackFailed,
	engine.TradeStatusClosed,
}

// GetStats возвращает агрегированную статистику исполнения.
//
// GET /api/v1/stats
//
// Response 200 OK:
//
//	{
//	  "execution": {
//	    "total": 150,
//	    "successful": 144,
//	    "failed": 6,
//	    "rollbacks_triggered": 4,
//	    "rollbacks_successful": 4,
//	    "rollbacks_failed": 0,
//	    "active_executions": 1,
//	    "pending_rollbacks": 0,
//	    "per_state_counts": {"LEG1_SENT": 1}
//	  },
//	  "trades_by_state": {"COMPLETE": 12, "FAILED": 6, "CLOSED": 132}
//	}
//
// Response 500 Internal Server Error:
//
//	{"error": "failed to get stats", "details": "..."}
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.engine == nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "execution engine not initialized"})
		return
	}

	resp := StatsResponse{
		Execution: h.engine.GetExecutionStats(),
		ByState:   make(map[string]int, len(reportedStates)),
	}

	for _, state := range reportedStates {
		count, err := h.store.CountByState(r.Context(), state)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to get stats", Details: err.Error()})
			return
		}
		if count > 0 {
			resp.ByState[state] = count
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
