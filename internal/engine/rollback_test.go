package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundarb/internal/config"
	"fundarb/internal/models"
	"fundarb/internal/venue"
)

func testRollbackConfig() config.RollbackConfig {
	return config.RollbackConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		SettleDelay: 5 * time.Millisecond,
		VerifyDelay: 5 * time.Millisecond,
		QueueSize:   4,
	}
}

func newRollbackFixture(t *testing.T) (*RollbackEngine, *venue.Paper, *venue.Paper, *memStore, *Notifier) {
	t.Helper()

	maker := venue.NewPaper("paper-maker")
	hedge := venue.NewPaper("paper-hedge")
	seedVenue(maker, 0.0001, 0.0001)
	seedVenue(hedge, 0.001, 0.001)

	st := newMemStore()
	log := zap.NewNop()
	notifier := NewNotifier(100, log)
	rb := NewRollbackEngine(testRollbackConfig(), maker, hedge, st, notifier, log)
	rb.Start(context.Background())
	t.Cleanup(rb.Stop)

	return rb, maker, hedge, st, notifier
}

// queuedExecution готовит исполнение в состоянии ROLLBACK_QUEUED вместе
// с записью в хранилище
func queuedExecution(t *testing.T, st *memStore, tradeID string, filled float64) *TradeExecution {
	t.Helper()

	exec := NewTradeExecution(tradeID, testSymbol, venue.SideBuy, 1000, filled)
	require.True(t, exec.SetState(StateLeg1Sent))
	require.True(t, exec.SetState(StateRollbackQueued))
	exec.MakerFilled = true
	exec.ActualFilled = filled

	require.NoError(t, st.CreateTrade(context.Background(), &models.TradeRecord{
		ID:     tradeID,
		Symbol: testSymbol,
		State:  StateRollbackQueued,
	}))
	return exec
}

func TestRollbackClosesOrphanedLeg(t *testing.T) {
	rb, maker, _, st, _ := newRollbackFixture(t)
	maker.SetPosition(testSymbol, 0.02)

	exec := queuedExecution(t, st, "rb1", 0.02)
	require.True(t, rb.Enqueue(exec, true, false))

	require.Eventually(t, func() bool {
		return exec.State() == StateRollbackDone
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, float64(0), maker.PositionSize(testSymbol))
	require.EqualValues(t, 1, rb.Successful())
	require.EqualValues(t, 0, rb.FailedCount())

	trade, err := st.GetTrade(context.Background(), "rb1")
	require.NoError(t, err)
	require.Equal(t, StateRollbackDone, trade.State)
}

// Отсутствующая позиция - успех: ногу мог закрыть кто-то ещё
func TestRollbackAlreadyFlatSucceeds(t *testing.T) {
	rb, maker, _, st, _ := newRollbackFixture(t)

	exec := queuedExecution(t, st, "rb2", 0.02)
	require.True(t, rb.Enqueue(exec, true, false))

	require.Eventually(t, func() bool {
		return exec.State() == StateRollbackDone
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, float64(0), maker.PositionSize(testSymbol))
	require.EqualValues(t, 1, rb.Successful())
}

func TestRollbackExhaustsAttempts(t *testing.T) {
	rb, maker, _, st, notifier := newRollbackFixture(t)
	maker.SetPosition(testSymbol, 0.02)

	// закрытие стабильно отклоняется
	maker.OnPlace = func(p venue.OrderParams) (*venue.OrderResult, error, bool) {
		if p.ReduceOnly {
			return nil, venue.NewError("paper-maker", venue.KindNetwork, 0, "simulated outage", nil), true
		}
		return nil, nil, false
	}

	exec := queuedExecution(t, st, "rb3", 0.02)
	require.True(t, rb.Enqueue(exec, true, false))

	require.Eventually(t, func() bool {
		return exec.State() == StateRollbackFailed
	}, 3*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 1, rb.FailedCount())
	require.Equal(t, 0.02, maker.PositionSize(testSymbol)) // нога осталась голой
	require.Equal(t, 3, exec.RollbackAttempts)

	trade, err := st.GetTrade(context.Background(), "rb3")
	require.NoError(t, err)
	require.Equal(t, StateRollbackFailed, trade.State)
	require.Contains(t, trade.FailureReason, ReasonRollbackFailed)

	// критичный алерт дошёл до шины событий
	foundCritical := false
	for len(notifier.Events()) > 0 {
		ev := <-notifier.Events()
		if ev.Level == models.NotifyCritical && ev.TradeID == "rb3" {
			foundCritical = true
		}
	}
	require.True(t, foundCritical, "critical alert not published")
}

func TestRollbackQueueOverflow(t *testing.T) {
	maker := venue.NewPaper("paper-maker")
	hedge := venue.NewPaper("paper-hedge")
	st := newMemStore()
	log := zap.NewNop()
	cfg := testRollbackConfig()
	cfg.QueueSize = 2

	// без Start: потребитель не разгружает очередь
	rb := NewRollbackEngine(cfg, maker, hedge, st, NewNotifier(10, log), log)

	for i := 0; i < 2; i++ {
		exec := NewTradeExecution("q", testSymbol, venue.SideBuy, 1000, 0.02)
		require.True(t, rb.Enqueue(exec, true, false))
	}
	exec := NewTradeExecution("q-over", testSymbol, venue.SideBuy, 1000, 0.02)
	require.False(t, rb.Enqueue(exec, true, false), "overflow must be rejected, not blocked")
	require.Equal(t, 2, rb.Pending())
}
