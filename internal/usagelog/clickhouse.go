package usagelog

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// DefaultTable is the ClickHouse table usage records are inserted into.
const DefaultTable = "usage_records"

// ClickHouseSink writes usage batches with one native batch insert each.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// OpenClickHouse connects using a clickhouse:// DSN and verifies the
// connection.
func OpenClickHouse(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usagelog: clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usagelog: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usagelog: clickhouse ping: %w", err)
	}
	return NewClickHouseSink(conn, table), nil
}

func NewClickHouseSink(conn driver.Conn, table string) *ClickHouseSink {
	if table == "" {
		table = DefaultTable
	}
	return &ClickHouseSink{conn: conn, table: table}
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, recs []UsageRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i := range recs {
		if err := batch.Append(row(&recs[i])...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// EnsureTable creates the usage table when it does not exist yet.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf(createTableSQL, s.table)); err != nil {
		return fmt.Errorf("usagelog: create table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }

const createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
	id String,
	request_id String,
	organization_id String,
	project_id String,
	created_at DateTime64(3, 'UTC'),
	duration_ms Int64,
	requested_model String,
	requested_provider String,
	used_model String,
	used_provider String,
	prompt_tokens Nullable(Int32),
	completion_tokens Nullable(Int32),
	total_tokens Nullable(Int32),
	input_cost Nullable(Float64),
	output_cost Nullable(Float64),
	request_cost Nullable(Float64),
	cost Nullable(Float64),
	estimated_cost Bool,
	finish_reason String,
	unified_finish_reason LowCardinality(String),
	has_error Bool,
	error_status Nullable(Int32),
	error_text String,
	streamed Bool,
	cached Bool,
	mode LowCardinality(String),
	used_mode LowCardinality(String)
) ENGINE = MergeTree
ORDER BY (organization_id, project_id, created_at)`

// usageColumns is the column order row produces.
var usageColumns = []string{
	"id", "request_id", "organization_id", "project_id", "created_at", "duration_ms",
	"requested_model", "requested_provider", "used_model", "used_provider",
	"prompt_tokens", "completion_tokens", "total_tokens",
	"input_cost", "output_cost", "request_cost", "cost", "estimated_cost",
	"finish_reason", "unified_finish_reason", "has_error", "error_status", "error_text",
	"streamed", "cached", "mode", "used_mode",
}

// row flattens rec into usageColumns order. Nullable numbers stay pointers
// so they land as Nullable columns.
func row(r *UsageRecord) []any {
	var (
		errStatus *int32
		errText   string
	)
	if r.ErrorDetails != nil {
		s := int32(r.ErrorDetails.StatusCode)
		errStatus = &s
		errText = r.ErrorDetails.StatusText
		if r.ErrorDetails.ResponseText != "" {
			errText += ": " + r.ErrorDetails.ResponseText
		}
	}
	return []any{
		r.ID, r.RequestID, r.OrganizationID, r.ProjectID, r.CreatedAt, r.DurationMs,
		r.RequestedModel, r.RequestedProvider, r.UsedModel, r.UsedProvider,
		int32Ptr(r.PromptTokens), int32Ptr(r.CompletionTokens), int32Ptr(r.TotalTokens),
		r.InputCost, r.OutputCost, r.RequestCost, r.Cost, r.EstimatedCost,
		r.FinishReason, r.UnifiedFinishReason, r.HasError, errStatus, errText,
		r.Streamed, r.Cached, r.Mode, r.UsedMode,
	}
}

func int32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}
