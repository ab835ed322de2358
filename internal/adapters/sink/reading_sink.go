package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

const readingColumns = 9

// TimescaleSink writes reading history into a Postgres/Timescale table.
// Inserts are idempotent on (mine_id, sensor_id, ts, seq) so WAL replays
// never duplicate rows.
type TimescaleSink struct {
	db           *sql.DB
	table        string
	writeTimeout time.Duration
}

var _ ports.Sink = (*TimescaleSink)(nil)

func NewTimescaleSink(db *sql.DB, table string) (*TimescaleSink, error) {
	if db == nil {
		return nil, fmt.Errorf("timescale sink: db is required")
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("timescale sink: invalid table name %q", table)
	}
	return &TimescaleSink{db: db, table: table, writeTimeout: 10 * time.Second}, nil
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

// EnsureSchema creates the history table when it is missing. Turning it
// into a hypertable is left to the operator.
func (t *TimescaleSink) EnsureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+t.table+` (
	mine_id     TEXT             NOT NULL,
	node_id     TEXT             NOT NULL,
	sensor_id   TEXT             NOT NULL,
	category    TEXT             NOT NULL DEFAULT '',
	value       DOUBLE PRECISION NOT NULL,
	alert_name  TEXT,
	alert_color TEXT,
	ts          TIMESTAMPTZ      NOT NULL,
	seq         BIGINT           NOT NULL,
	UNIQUE (mine_id, sensor_id, ts, seq)
)`)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", t.table, err)
	}
	return nil
}

func (t *TimescaleSink) WriteBatch(readings []*domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.table)
	b.WriteString(" (mine_id, node_id, sensor_id, category, value, alert_name, alert_color, ts, seq) VALUES ")

	args := make([]any, 0, len(readings)*readingColumns)
	for i, r := range readings {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= readingColumns; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c)
		}
		b.WriteString(")")

		args = append(args,
			r.MineID,
			r.NodeID,
			r.SensorID,
			r.Category,
			r.Value,
			nullable(r.AlertName),
			nullable(r.AlertColor),
			r.Timestamp,
			int64(r.Seq),
		)
	}

	b.WriteString(" ON CONFLICT (mine_id, sensor_id, ts, seq) DO NOTHING")

	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()
	if _, err := t.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert %d readings: %w", len(readings), err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
