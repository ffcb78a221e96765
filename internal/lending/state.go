package lending

// State is the arena of every record the engine owns.
type State struct {
	Buckets     map[int32]*Bucket
	Lenders     map[LenderKey]*Lender
	Withdrawals map[LenderKey]*Withdrawal
	Collateral  map[int32]*Collateral
	Loans       map[LoanKey]*Loan
	Reserve     Reserve
}

func NewState() *State {
	return &State{
		Buckets:     make(map[int32]*Bucket),
		Lenders:     make(map[LenderKey]*Lender),
		Withdrawals: make(map[LenderKey]*Withdrawal),
		Collateral:  make(map[int32]*Collateral),
		Loans:       make(map[LoanKey]*Loan),
		Reserve:     Reserve{AmountA: clone(nil), AmountB: clone(nil)},
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	out := NewState()
	for k, v := range s.Buckets {
		out.Buckets[k] = v.Clone()
	}
	for k, v := range s.Lenders {
		out.Lenders[k] = v.Clone()
	}
	for k, v := range s.Withdrawals {
		out.Withdrawals[k] = v.Clone()
	}
	for k, v := range s.Collateral {
		out.Collateral[k] = v.Clone()
	}
	for k, v := range s.Loans {
		out.Loans[k] = v.Clone()
	}
	out.Reserve = Reserve{AmountA: clone(s.Reserve.AmountA), AmountB: clone(s.Reserve.AmountB)}
	return out
}

// txn stages writes over a base state. Records are copied on first access and a nil entry
// marks a deletion; nothing reaches the base until commit.
type txn struct {
	base        *State
	buckets     map[int32]*Bucket
	lenders     map[LenderKey]*Lender
	withdrawals map[LenderKey]*Withdrawal
	collateral  map[int32]*Collateral
	loans       map[LoanKey]*Loan
	reserve     Reserve
}

func newTxn(base *State) *txn {
	return &txn{
		base:        base,
		buckets:     make(map[int32]*Bucket),
		lenders:     make(map[LenderKey]*Lender),
		withdrawals: make(map[LenderKey]*Withdrawal),
		collateral:  make(map[int32]*Collateral),
		loans:       make(map[LoanKey]*Loan),
		reserve:     Reserve{AmountA: clone(base.Reserve.AmountA), AmountB: clone(base.Reserve.AmountB)},
	}
}

// bucket returns a writable bucket, creating an empty one when absent.
func (t *txn) bucket(tick int32) *Bucket {
	if b, ok := t.buckets[tick]; ok && b != nil {
		return b
	}
	var b *Bucket
	if orig, ok := t.base.Buckets[tick]; ok {
		b = orig.Clone()
	} else {
		b = newBucket()
	}
	t.buckets[tick] = b
	return b
}

func (t *txn) lender(key LenderKey) (*Lender, bool) {
	if l, ok := t.lenders[key]; ok {
		return l, l != nil
	}
	orig, ok := t.base.Lenders[key]
	if !ok {
		return nil, false
	}
	l := orig.Clone()
	t.lenders[key] = l
	return l, true
}

func (t *txn) putLender(key LenderKey, l *Lender) { t.lenders[key] = l }

func (t *txn) deleteLender(key LenderKey) { t.lenders[key] = nil }

func (t *txn) withdrawal(key LenderKey) (*Withdrawal, bool) {
	if w, ok := t.withdrawals[key]; ok {
		return w, w != nil
	}
	orig, ok := t.base.Withdrawals[key]
	if !ok {
		return nil, false
	}
	w := orig.Clone()
	t.withdrawals[key] = w
	return w, true
}

// pending returns the withdrawal for key, creating an empty one.
func (t *txn) pending(key LenderKey) *Withdrawal {
	if w, ok := t.withdrawal(key); ok {
		return w
	}
	w := newWithdrawal()
	t.withdrawals[key] = w
	return w
}

func (t *txn) deleteWithdrawal(key LenderKey) { t.withdrawals[key] = nil }

func (t *txn) collateralAt(tick int32) *Collateral {
	if c, ok := t.collateral[tick]; ok && c != nil {
		return c
	}
	c := &Collateral{Locked: clone(nil)}
	if orig, ok := t.base.Collateral[tick]; ok {
		c = orig.Clone()
	}
	t.collateral[tick] = c
	return c
}

func (t *txn) loan(key LoanKey) (*Loan, bool) {
	if l, ok := t.loans[key]; ok {
		return l, l != nil
	}
	orig, ok := t.base.Loans[key]
	if !ok {
		return nil, false
	}
	l := orig.Clone()
	t.loans[key] = l
	return l, true
}

func (t *txn) putLoan(key LoanKey, l *Loan) { t.loans[key] = l }

func (t *txn) deleteLoan(key LoanKey) { t.loans[key] = nil }

// commit applies the staged writes to the base state. Empty buckets and collateral
// records are dropped.
func (t *txn) commit() {
	for k, v := range t.buckets {
		if v.Liquidity.IsZero() && v.TotalShares.IsZero() && v.Locked.IsZero() &&
			v.FeeGrowthA.IsZero() && v.FeeGrowthB.IsZero() {
			delete(t.base.Buckets, k)
			continue
		}
		t.base.Buckets[k] = v
	}
	for k, v := range t.lenders {
		if v == nil {
			delete(t.base.Lenders, k)
			continue
		}
		t.base.Lenders[k] = v
	}
	for k, v := range t.withdrawals {
		if v == nil {
			delete(t.base.Withdrawals, k)
			continue
		}
		t.base.Withdrawals[k] = v
	}
	for k, v := range t.collateral {
		if v.Locked.IsZero() {
			delete(t.base.Collateral, k)
			continue
		}
		t.base.Collateral[k] = v
	}
	for k, v := range t.loans {
		if v == nil {
			delete(t.base.Loans, k)
			continue
		}
		t.base.Loans[k] = v
	}
	t.base.Reserve = t.reserve
}
