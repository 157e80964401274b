package listener

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"

	"realtime-service/domain"
)

func ordersTable() *replication.TableMapEvent {
	return &replication.TableMapEvent{
		Schema:     []byte("exchange"),
		Table:      []byte("orders"),
		ColumnName: [][]byte{[]byte("id"), []byte("status")},
	}
}

func TestBinlogSignalsForUpdate(t *testing.T) {
	f := &binlogFeed{schema: "exchange", tables: map[string]struct{}{"orders": {}}}
	ev := &replication.RowsEvent{
		Table: ordersTable(),
		Rows: [][]any{
			{int64(7), []byte("open")},
			{int64(7), []byte("filled")},
		},
	}
	at := time.Unix(1700000000, 0)
	sigs := f.signalsFor(ev, "UPDATE", at)
	if len(sigs) != 1 {
		t.Fatalf("expected one signal, got %d", len(sigs))
	}
	if sigs[0].Name != domain.OrdersSignal || !sigs[0].ReceivedAt.Equal(at) {
		t.Fatalf("unexpected signal %+v", sigs[0])
	}
	var change rowChange
	if err := json.Unmarshal(sigs[0].Payload, &change); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if change.Type != "UPDATE" || change.Record["status"] != "filled" || change.OldRecord["status"] != "open" {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestBinlogSignalsForSkipsUntracked(t *testing.T) {
	f := &binlogFeed{schema: "other", tables: map[string]struct{}{"orders": {}}}
	ev := &replication.RowsEvent{Table: ordersTable(), Rows: [][]any{{int64(1), []byte("open")}}}
	if sigs := f.signalsFor(ev, "INSERT", time.Now()); len(sigs) != 0 {
		t.Fatalf("expected schema filter, got %d signals", len(sigs))
	}
	f = &binlogFeed{tables: map[string]struct{}{"trades": {}}}
	if sigs := f.signalsFor(ev, "INSERT", time.Now()); len(sigs) != 0 {
		t.Fatalf("expected table filter, got %d signals", len(sigs))
	}
}

func TestRowMapFallsBackToIndex(t *testing.T) {
	m := rowMap([]string{"id"}, []any{int64(1), "x"})
	if m["id"] != int64(1) || m["col_1"] != "x" {
		t.Fatalf("unexpected row %v", m)
	}
}

func TestRowsEventKind(t *testing.T) {
	if rowsEventKind(replication.WRITE_ROWS_EVENTv2) != "INSERT" {
		t.Fatal("write rows should map to INSERT")
	}
	if rowsEventKind(replication.DELETE_ROWS_EVENTv2) != "" {
		t.Fatal("deletes are not tracked")
	}
}
