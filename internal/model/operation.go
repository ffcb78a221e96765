package model

// Operation is one line of a replay input file. Which fields matter depends on Op:
//
//	provide   owner tick amount_a amount_b
//	take      owner tick liquidity min_a min_b
//	withdraw  owner tick
//	open      owner tick_bor tick_col liquidity min_a min_b col_a col_b interest
//	close     caller owner tick_bor tick_col liquidity amount_col interest
//	price     tick
//	fees      tick amount_a amount_b
//	mint      owner amount_a amount_b
type Operation struct {
	Op        string `json:"op"`
	Timestamp string `json:"timestamp,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Tick      int32  `json:"tick,omitempty"`
	TickBor   int32  `json:"tick_bor,omitempty"`
	TickCol   int32  `json:"tick_col,omitempty"`
	AmountA   string `json:"amount_a,omitempty"`
	AmountB   string `json:"amount_b,omitempty"`
	Liquidity string `json:"liquidity,omitempty"`
	MinA      string `json:"min_a,omitempty"`
	MinB      string `json:"min_b,omitempty"`
	ColA      string `json:"col_a,omitempty"`
	ColB      string `json:"col_b,omitempty"`
	Interest  string `json:"interest,omitempty"`
	AmountCol string `json:"amount_col,omitempty"`
}

const (
	OpProvide  = "provide"
	OpTake     = "take"
	OpWithdraw = "withdraw"
	OpOpen     = "open"
	OpClose    = "close"
	OpPrice    = "price"
	OpFees     = "fees"
	OpMint     = "mint"
)
