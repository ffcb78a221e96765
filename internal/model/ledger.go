package model

// BucketRecord is a lending bucket for storage. Amounts are decimal strings.
type BucketRecord struct {
	Tick        int32  `json:"tick"`
	Liquidity   string `json:"liquidity"`
	Locked      string `json:"locked"`
	TotalShares string `json:"total_shares"`
	FeeGrowthA  string `json:"fee_growth_a"`
	FeeGrowthB  string `json:"fee_growth_b"`
	InsideA     string `json:"inside_a"`
	InsideB     string `json:"inside_b"`
}

// LenderRecord is one lender's position in a bucket.
type LenderRecord struct {
	Tick      int32  `json:"tick"`
	Owner     string `json:"owner"`
	Shares    string `json:"shares"`
	SnapshotA string `json:"snapshot_a"`
	SnapshotB string `json:"snapshot_b"`
}

type WithdrawalRecord struct {
	Tick       int32  `json:"tick"`
	Owner      string `json:"owner"`
	AmountA    string `json:"amount_a"`
	AmountB    string `json:"amount_b"`
	EligibleAt uint64 `json:"eligible_at"`
}

type CollateralRecord struct {
	Tick   int32  `json:"tick"`
	Locked string `json:"locked"`
}

type LoanRecord struct {
	Owner        string `json:"owner"`
	TickBor      int32  `json:"tick_bor"`
	TickCol      int32  `json:"tick_col"`
	LiquidityBor string `json:"liquidity_bor"`
	LiquidityCol string `json:"liquidity_col"`
	Interest     string `json:"interest"`
	Fee          string `json:"fee"`
	EscrowA      string `json:"escrow_a"`
	EscrowB      string `json:"escrow_b"`
	Start        uint64 `json:"start"`
}

// LedgerSnapshot is the full engine state at one point in time.
type LedgerSnapshot struct {
	TakenAt     uint64             `json:"taken_at"`
	Buckets     []BucketRecord     `json:"buckets"`
	Lenders     []LenderRecord     `json:"lenders"`
	Withdrawals []WithdrawalRecord `json:"withdrawals"`
	Collateral  []CollateralRecord `json:"collateral"`
	Loans       []LoanRecord       `json:"loans"`
	ReserveA    string             `json:"reserve_a"`
	ReserveB    string             `json:"reserve_b"`
}
