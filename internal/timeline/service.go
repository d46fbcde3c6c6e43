package timeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/anchortrade/rebalance-backend/internal/ports"
	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxPageSize caps the page limit.
const MaxPageSize = 2000

// ExecutionStatus summarizes how far a row's order got.
type ExecutionStatus string

const (
	ExecutionFilled  ExecutionStatus = "FILLED"
	ExecutionPartial ExecutionStatus = "PARTIAL"
	ExecutionNone    ExecutionStatus = "NONE"
)

// Aggregation selects the row-collapsing mode.
type Aggregation string

const (
	// AggregationAll returns every row.
	AggregationAll Aggregation = "all"
	// AggregationDaily returns, per UTC day, all action rows when any exist,
	// otherwise the day's first HOLD row.
	AggregationDaily Aggregation = "daily"
)

// Filter narrows the timeline.
type Filter struct {
	PositionID    string
	From, To      time.Time // inclusive; zero means unbounded
	Actions       []types.Action
	OrderStatuses []types.OrderStatus
}

// Pagination selects a window of rows, newest first.
type Pagination struct {
	Offset int
	Limit  int
}

// Row is one record enriched with order and trade facts.
type Row struct {
	Record
	OrderStatus     types.OrderStatus `json:"order_status,omitempty"`
	BrokerOrderID   string            `json:"broker_order_id,omitempty"`
	BrokerStatus    string            `json:"broker_status,omitempty"`
	ExecutionStatus ExecutionStatus   `json:"execution_status"`
}

// Result is one page of the explainability timeline.
type Result struct {
	Rows         []Row          `json:"rows"`
	TotalRows    int            `json:"total_rows"`
	FilteredRows int            `json:"filtered_rows"`
	Offset       int            `json:"offset"`
	Limit        int            `json:"limit"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Service joins stored evaluation records with orders and trades. It serves
// LIVE and SIMULATION rows through the same schema.
type Service struct {
	logger  *zap.Logger
	records Repo
	orders  ports.OrderRepo
	trades  ports.TradeRepo
}

// NewService wires the explainability join.
func NewService(logger *zap.Logger, records Repo, orders ports.OrderRepo, trades ports.TradeRepo) *Service {
	return &Service{
		logger:  logger.Named("timeline"),
		records: records,
		orders:  orders,
		trades:  trades,
	}
}

// Build assembles the timeline for one position: enrich, filter, aggregate,
// sort newest-first, paginate.
func (s *Service) Build(ctx context.Context, filter Filter, page Pagination, agg Aggregation) (*Result, error) {
	if filter.PositionID == "" {
		return nil, fmt.Errorf("timeline filter requires a position id")
	}
	if page.Limit <= 0 || page.Limit > MaxPageSize {
		page.Limit = MaxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	if agg == "" {
		agg = AggregationAll
	}

	records, err := s.records.ListByPosition(ctx, filter.PositionID)
	if err != nil {
		return nil, fmt.Errorf("list evaluation records: %w", err)
	}
	total := len(records)

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row, err := s.enrich(ctx, rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	rows = applyFilter(rows, filter)
	rows = aggregate(rows, agg)

	// Newest first after filtering and aggregation.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.After(rows[j].Timestamp)
	})

	filtered := len(rows)
	start := page.Offset
	if start > filtered {
		start = filtered
	}
	end := start + page.Limit
	if end > filtered {
		end = filtered
	}

	return &Result{
		Rows:         rows[start:end],
		TotalRows:    total,
		FilteredRows: filtered,
		Offset:       page.Offset,
		Limit:        page.Limit,
		Metadata: map[string]any{
			"aggregation": string(agg),
			"position_id": filter.PositionID,
		},
	}, nil
}

// enrich attaches order status and trade aggregates to a record.
func (s *Service) enrich(ctx context.Context, rec Record) (Row, error) {
	row := Row{Record: rec, ExecutionStatus: ExecutionNone}
	if rec.OrderID == "" {
		return row, nil
	}

	order, err := s.orders.Get(ctx, rec.OrderID)
	if err != nil {
		// An order referenced by a record may have been pruned; the row is
		// still served with what the record itself captured.
		s.logger.Warn("timeline order lookup failed",
			zap.String("orderId", rec.OrderID),
			zap.Error(err),
		)
		return row, nil
	}
	row.OrderStatus = order.Status
	row.BrokerOrderID = order.BrokerOrderID
	row.BrokerStatus = order.BrokerStatus

	trades, err := s.trades.ListByOrder(ctx, rec.OrderID)
	if err != nil {
		return Row{}, fmt.Errorf("list trades for order %s: %w", rec.OrderID, err)
	}
	if len(trades) > 0 {
		qty := decimal.Zero
		value := decimal.Zero
		commission := decimal.Zero
		for _, tr := range trades {
			q := tr.Qty.Abs()
			qty = qty.Add(q)
			value = value.Add(q.Mul(tr.Price))
			commission = commission.Add(tr.Commission)
		}
		row.ExecutionQty = qty
		if qty.IsPositive() {
			row.ExecutionPrice = value.Div(qty)
		}
		row.ExecutionValue = row.ExecutionPrice.Mul(qty)
		row.Commission = commission
	}

	switch {
	case order.Status == types.OrderStatusFilled:
		row.ExecutionStatus = ExecutionFilled
	case order.FilledQty.IsPositive():
		row.ExecutionStatus = ExecutionPartial
	}
	return row, nil
}

func applyFilter(rows []Row, f Filter) []Row {
	out := rows[:0]
	for _, row := range rows {
		if !f.From.IsZero() && row.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && row.Timestamp.After(f.To) {
			continue
		}
		if len(f.Actions) > 0 && !containsAction(f.Actions, row.Action) {
			continue
		}
		if len(f.OrderStatuses) > 0 && !containsStatus(f.OrderStatuses, row.OrderStatus) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func containsAction(set []types.Action, a types.Action) bool {
	for _, x := range set {
		if x == a {
			return true
		}
	}
	return false
}

func containsStatus(set []types.OrderStatus, s types.OrderStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// aggregate collapses rows per UTC day in daily mode: all action rows when a
// day has any, otherwise the first HOLD row of the day.
func aggregate(rows []Row, agg Aggregation) []Row {
	if agg != AggregationDaily {
		return rows
	}

	byDay := make(map[string][]Row)
	var dayOrder []string
	for _, row := range rows {
		day := row.Timestamp.UTC().Format("2006-01-02")
		if _, seen := byDay[day]; !seen {
			dayOrder = append(dayOrder, day)
		}
		byDay[day] = append(byDay[day], row)
	}

	var out []Row
	for _, day := range dayOrder {
		dayRows := byDay[day]
		sort.SliceStable(dayRows, func(i, j int) bool {
			return dayRows[i].Timestamp.Before(dayRows[j].Timestamp)
		})

		var actions []Row
		for _, row := range dayRows {
			if row.Action == types.ActionBuy || row.Action == types.ActionSell {
				actions = append(actions, row)
			}
		}
		if len(actions) > 0 {
			out = append(out, actions...)
			continue
		}
		appended := false
		for _, row := range dayRows {
			if row.Action == types.ActionHold {
				out = append(out, row)
				appended = true
				break
			}
		}
		// A day of nothing but SKIPs still surfaces its first row.
		if !appended && len(dayRows) > 0 {
			out = append(out, dayRows[0])
		}
	}
	return out
}
