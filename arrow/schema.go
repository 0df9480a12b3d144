package arrow

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Schema metadata keys carried by report exports.
const (
	MetaTotalAssets      = "total_assets"
	MetaTransactions     = "transactions"
	MetaAverageLatencyMS = "average_latency_ms"
)

// BalanceSchema returns the Arrow schema for a balance snapshot.
//
// Fields:
//   - account_id: int32 - Dense account id
//   - balance: int64 - Balance in integer currency units
func BalanceSchema() *arrow.Schema {
	return balanceSchema(nil)
}

func balanceSchema(meta *arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "account_id", Type: arrow.PrimitiveTypes.Int32},
			{Name: "balance", Type: arrow.PrimitiveTypes.Int64},
		},
		meta,
	)
}
