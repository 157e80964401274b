package listener

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	_ "github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"

	"realtime-service/domain"
)

// BinlogConfig configures the MySQL binlog source.
type BinlogConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	ServerID uint32 `yaml:"server_id" env:"SERVER_ID"`
	Flavor   string `yaml:"flavor" env:"FLAVOR"` // mysql, mariadb
	Schema   string `yaml:"schema" env:"SCHEMA"`
}

// BinlogSource turns row events on the tracked tables into signals named
// <table>_changes. Replication starts at the current binlog position; nothing
// that happened before Open is replayed.
type BinlogSource struct {
	cfg       BinlogConfig
	keepAlive time.Duration
	logger    *log.Logger
}

func NewBinlogSource(cfg BinlogConfig, keepAlive time.Duration, logger *log.Logger) *BinlogSource {
	if cfg.Flavor == "" {
		cfg.Flavor = mysql.MySQLFlavor
	}
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BinlogSource{cfg: cfg, keepAlive: keepAlive, logger: logger}
}

func (s *BinlogSource) Open(ctx context.Context, signals []string) (Feed, error) {
	pos, err := s.currentPosition(ctx)
	if err != nil {
		return nil, err
	}
	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:         s.cfg.ServerID,
		Flavor:           s.cfg.Flavor,
		Host:             s.cfg.Host,
		Port:             uint16(s.cfg.Port),
		User:             s.cfg.User,
		Password:         s.cfg.Password,
		HeartbeatPeriod:  s.keepAlive,
		ReadTimeout:      2 * s.keepAlive,
		DisableRetrySync: true,
	})
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}
	s.logger.Infof("Started binlog sync from position: %s:%d", pos.Name, pos.Pos)

	tables := make(map[string]struct{}, len(signals))
	for _, sig := range signals {
		if table, ok := strings.CutSuffix(sig, "_changes"); ok {
			tables[table] = struct{}{}
		}
	}
	return &binlogFeed{syncer: syncer, streamer: streamer, schema: s.cfg.Schema, tables: tables}, nil
}

// currentPosition checks the server is usable for row based replication and
// returns the position to start from.
func (s *BinlogSource) currentPosition(ctx context.Context) (mysql.Position, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", s.cfg.User, s.cfg.Password, s.cfg.Host, s.cfg.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var name, format string
	if err := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'binlog_format'").Scan(&name, &format); err != nil {
		return mysql.Position{}, fmt.Errorf("failed to read binlog_format: %w", err)
	}
	if !strings.EqualFold(format, "ROW") {
		return mysql.Position{}, fmt.Errorf("binlog_format must be ROW, got %s", format)
	}

	rows, err := db.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		// MySQL 8.4 renamed the statement
		rows, err = db.QueryContext(ctx, "SHOW BINARY LOG STATUS")
		if err != nil {
			return mysql.Position{}, fmt.Errorf("failed to read binlog position: %w", err)
		}
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return mysql.Position{}, err
	}
	if !rows.Next() {
		return mysql.Position{}, fmt.Errorf("binary logging is disabled")
	}
	vals := make([]sql.RawBytes, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return mysql.Position{}, fmt.Errorf("failed to scan binlog position: %w", err)
	}
	var pos mysql.Position
	pos.Name = string(vals[0])
	if _, err := fmt.Sscanf(string(vals[1]), "%d", &pos.Pos); err != nil {
		return mysql.Position{}, fmt.Errorf("invalid binlog position %q: %w", vals[1], err)
	}
	return pos, nil
}

type binlogFeed struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	schema   string
	tables   map[string]struct{}
	pending  []domain.Signal
}

func (f *binlogFeed) Next(ctx context.Context) (domain.Signal, error) {
	for len(f.pending) == 0 {
		ev, err := f.streamer.GetEvent(ctx)
		if err != nil {
			return domain.Signal{}, fmt.Errorf("failed to get binlog event: %w", err)
		}
		rows, ok := ev.Event.(*replication.RowsEvent)
		if !ok {
			continue
		}
		kind := rowsEventKind(ev.Header.EventType)
		if kind == "" {
			continue
		}
		f.pending = f.signalsFor(rows, kind, time.Unix(int64(ev.Header.Timestamp), 0))
	}
	sig := f.pending[0]
	f.pending = f.pending[1:]
	return sig, nil
}

func (f *binlogFeed) Close() error {
	f.syncer.Close()
	return nil
}

func rowsEventKind(t replication.EventType) string {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return "INSERT"
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return "UPDATE"
	}
	// deletes are not tracked by the change triggers
	return ""
}

type rowChange struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

func (f *binlogFeed) signalsFor(ev *replication.RowsEvent, kind string, at time.Time) []domain.Signal {
	table := string(ev.Table.Table)
	if f.schema != "" && string(ev.Table.Schema) != f.schema {
		return nil
	}
	if _, ok := f.tables[table]; !ok {
		return nil
	}
	columns := ev.Table.ColumnNameString()

	var changes []rowChange
	if kind == "UPDATE" {
		// rows alternate old, new
		for i := 0; i+1 < len(ev.Rows); i += 2 {
			changes = append(changes, rowChange{
				Type:      kind,
				Table:     table,
				OldRecord: rowMap(columns, ev.Rows[i]),
				Record:    rowMap(columns, ev.Rows[i+1]),
			})
		}
	} else {
		for _, row := range ev.Rows {
			changes = append(changes, rowChange{Type: kind, Table: table, Record: rowMap(columns, row)})
		}
	}

	out := make([]domain.Signal, 0, len(changes))
	for _, c := range changes {
		payload, err := json.Marshal(c)
		if err != nil {
			// surfaces as a decode error in the listener
			payload = nil
		}
		out = append(out, domain.Signal{Name: table + "_changes", Payload: payload, ReceivedAt: at})
	}
	return out
}

func rowMap(columns []string, row []any) map[string]any {
	m := make(map[string]any, len(row))
	for i, v := range row {
		key := fmt.Sprintf("col_%d", i)
		if i < len(columns) && columns[i] != "" {
			key = columns[i]
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		m[key] = v
	}
	return m
}
