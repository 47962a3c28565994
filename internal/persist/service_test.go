package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowtrace/internal/candle"
	"flowtrace/internal/events"
	"flowtrace/internal/ipc"
)

func startService(t *testing.T) (*Service, *ipc.Client) {
	t.Helper()
	dir := t.TempDir()
	svc, err := NewService(ServiceConfig{
		SocketPath: filepath.Join(dir, "flowtrace.sock"),
		DBPath:     filepath.Join(dir, "runtime.db"),
	}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	cli := ipc.NewClient(ipc.ClientConfig{SocketPath: svc.cfg.SocketPath}, zap.NewNop())
	if err := cli.Connect(); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cli.Close() })
	return svc, cli
}

func request(t *testing.T, cli *ipc.Client, msgType, action string, payload interface{}) *ipc.Response {
	t.Helper()
	msg, err := ipc.NewMessage(msgType, action, payload)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	resp, err := cli.Request(context.Background(), msg, 5*time.Second)
	if err != nil {
		t.Fatalf("%s/%s request: %v", msgType, action, err)
	}
	return resp
}

func TestServiceStateActionsOverSocket(t *testing.T) {
	_, cli := startService(t)

	// Simulate a worker checkpointing ten symbols, then recovering them.
	var states []stateSavePayload
	for i := 0; i < 10; i++ {
		sym := fmt.Sprintf("SYM%02dUSDT", i)
		g := candle.NewCandleGroup("binance", sym, 0.01, 1)
		for j := int64(1); j <= 100; j++ {
			g.ApplyTrade(&events.TradeData{
				Exchange: "binance", Symbol: sym,
				Price: 100 + float64(j)*0.01, Quantity: 1,
				Timestamp: 1700000000000 + j*10, TradeID: j,
			})
		}
		blob, err := g.MarshalState()
		if err != nil {
			t.Fatalf("marshal %s: %v", sym, err)
		}
		states = append(states, stateSavePayload{Exchange: "binance", Symbol: sym, StateJSON: blob})
	}

	resp := request(t, cli, ipc.TypeState, "save_batch", stateSaveBatchPayload{States: states})
	if !resp.Success {
		t.Fatalf("save_batch failed: %s", resp.Error)
	}

	symbols := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		symbols = append(symbols, fmt.Sprintf("SYM%02dUSDT", i))
	}
	resp = request(t, cli, ipc.TypeState, "load_batch", stateLoadPayload{Exchange: "binance", Symbols: symbols})
	if !resp.Success {
		t.Fatalf("load_batch failed: %s", resp.Error)
	}

	var rows []StateRow
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(rows))
	}
	for _, row := range rows {
		g, err := candle.UnmarshalState(row.StateJSON)
		if err != nil {
			t.Fatalf("restore %s: %v", row.Symbol, err)
		}
		if g.LastTradeID != 100 {
			t.Errorf("%s: last trade id %d, expected 100", row.Symbol, g.LastTradeID)
		}
	}
}

func TestServiceGapWorkflowOverSocket(t *testing.T) {
	_, cli := startService(t)

	gap := &events.GapRecord{
		Exchange: "binance", Symbol: "BTCUSDT",
		FromTradeID: 4, ToTradeID: 6, GapSize: 3,
		DetectedAt: time.Now().UnixMilli(),
	}
	for i := 0; i < 2; i++ {
		resp := request(t, cli, ipc.TypeGap, "gap_save", gap)
		if !resp.Success {
			t.Fatalf("gap_save: %s", resp.Error)
		}
	}

	unsynced := false
	resp := request(t, cli, ipc.TypeGap, "gap_load", GapFilter{Exchange: "binance", Synced: &unsynced})
	var rows []*events.GapRecord
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		t.Fatalf("decode gaps: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("gap idempotence over socket: expected 1, got %d", len(rows))
	}

	resp = request(t, cli, ipc.TypeGap, "gap_mark_synced", gapMarkSyncedPayload{IDs: []int64{rows[0].ID}})
	if !resp.Success {
		t.Fatalf("gap_mark_synced: %s", resp.Error)
	}

	resp = request(t, cli, ipc.TypeGap, "gap_load", GapFilter{Exchange: "binance", Synced: &unsynced})
	rows = nil
	json.Unmarshal(resp.Data, &rows)
	if len(rows) != 0 {
		t.Errorf("expected no unsynced gaps, got %d", len(rows))
	}
}

func TestServiceCandleAppendOverSocket(t *testing.T) {
	_, cli := startService(t)

	c := sealedCandle(t, 1700000000000)
	for i := 0; i < 2; i++ {
		resp := request(t, cli, ipc.TypeCandle, "append", candleAppendPayload{Candles: []*candle.FootprintCandle{c}})
		if !resp.Success {
			t.Fatalf("append: %s", resp.Error)
		}
	}

	resp := request(t, cli, ipc.TypeCandle, "count", CandleQuery{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1s"})
	var n int64
	if err := json.Unmarshal(resp.Data, &n); err != nil {
		t.Fatalf("decode count: %v", err)
	}
	if n != 1 {
		t.Errorf("append idempotence over socket: count=%d", n)
	}

	resp = request(t, cli, ipc.TypeCandle, "find_by_symbol", CandleQuery{Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1s"})
	var got []*candle.FootprintCandle
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("decode candles: %v", err)
	}
	if len(got) != 1 || got[0].OpenTime != c.OpenTime || len(got[0].Bins) != 1 {
		t.Errorf("stored candle mismatch: %+v", got)
	}

	resp = request(t, cli, ipc.TypeControl, "ping", nil)
	if !resp.Success {
		t.Errorf("ping: %s", resp.Error)
	}

	// Unknown actions are precondition failures, not crashes
	msg, _ := ipc.NewMessage(ipc.TypeCandle, "no_such_action", nil)
	r, err := cli.Request(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if r.Success {
		t.Error("unknown action must fail")
	}
}
