package timeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// csvHeader is the column order of the exported timeline.
var csvHeader = []string{
	"timestamp", "mode", "symbol", "price",
	"anchor_before", "anchor_after", "delta_pct",
	"trigger_fired", "trigger_direction", "trigger_reason",
	"action", "block_reason",
	"intended_qty", "intended_value",
	"qty_before", "cash_before", "stock_pct_before",
	"qty_after", "cash_after", "stock_pct_after",
	"order_id", "order_status", "execution_status",
	"execution_qty", "execution_price", "execution_value", "commission",
	"dividend_applied", "anchor_reset",
}

// WriteCSV renders rows (in the order given) as CSV.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		rec := []string{
			row.Timestamp.UTC().Format(time.RFC3339Nano),
			string(row.Mode),
			row.Symbol,
			row.Price.String(),
			row.AnchorBefore.String(),
			row.AnchorAfter.String(),
			row.DeltaPct.String(),
			fmt.Sprintf("%t", row.TriggerFired),
			string(row.TriggerDirection),
			row.TriggerReason,
			string(row.Action),
			row.BlockReason,
			row.IntendedQty.String(),
			row.IntendedValue.String(),
			row.QtyBefore.String(),
			row.CashBefore.String(),
			row.StockPctBefore.String(),
			row.QtyAfter.String(),
			row.CashAfter.String(),
			row.StockPctAfter.String(),
			row.OrderID,
			string(row.OrderStatus),
			string(row.ExecutionStatus),
			row.ExecutionQty.String(),
			row.ExecutionPrice.String(),
			row.ExecutionValue.String(),
			row.Commission.String(),
			fmt.Sprintf("%t", row.DividendApplied),
			fmt.Sprintf("%t", row.AnchorReset),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
