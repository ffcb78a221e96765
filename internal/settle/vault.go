// Package settle moves tokens between owners and the market.
package settle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("settle: insufficient balance")

// Vault transfers both tokens of the pair atomically.
type Vault interface {
	Pull(ctx context.Context, from common.Address, amountA, amountB *uint256.Int) error
	Push(ctx context.Context, to common.Address, amountA, amountB *uint256.Int) error
}

type balance struct {
	a, b *uint256.Int
}

type ledgerState struct {
	balances         map[common.Address]balance
	pulledA, pulledB *uint256.Int
	pushedA, pushedB *uint256.Int
}

func (s *ledgerState) clone() *ledgerState {
	out := &ledgerState{
		balances: make(map[common.Address]balance, len(s.balances)),
		pulledA:  new(uint256.Int).Set(s.pulledA),
		pulledB:  new(uint256.Int).Set(s.pulledB),
		pushedA:  new(uint256.Int).Set(s.pushedA),
		pushedB:  new(uint256.Int).Set(s.pushedB),
	}
	for k, v := range s.balances {
		out.balances[k] = balance{a: new(uint256.Int).Set(v.a), b: new(uint256.Int).Set(v.b)}
	}
	return out
}

// Ledger is an in-memory Vault keeping per-owner balances of the two tokens.
type Ledger struct {
	mu        sync.Mutex
	state     *ledgerState
	snapshots []*ledgerState
}

func NewLedger() *Ledger {
	return &Ledger{state: &ledgerState{
		balances: make(map[common.Address]balance),
		pulledA:  new(uint256.Int),
		pulledB:  new(uint256.Int),
		pushedA:  new(uint256.Int),
		pushedB:  new(uint256.Int),
	}}
}

// Mint credits owner with fresh tokens.
func (l *Ledger) Mint(owner common.Address, amountA, amountB *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceOf(owner)
	bal.a.Add(bal.a, amountA)
	bal.b.Add(bal.b, amountB)
}

// Balance returns copies of owner's token balances.
func (l *Ledger) Balance(owner common.Address) (*uint256.Int, *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.state.balances[owner]
	if !ok {
		return new(uint256.Int), new(uint256.Int)
	}
	return new(uint256.Int).Set(bal.a), new(uint256.Int).Set(bal.b)
}

// Flows returns the totals pulled into and pushed out of the market.
func (l *Ledger) Flows() (pulledA, pulledB, pushedA, pushedB *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	return new(uint256.Int).Set(s.pulledA), new(uint256.Int).Set(s.pulledB),
		new(uint256.Int).Set(s.pushedA), new(uint256.Int).Set(s.pushedB)
}

func (l *Ledger) Pull(_ context.Context, from common.Address, amountA, amountB *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceOf(from)
	if bal.a.Lt(amountA) || bal.b.Lt(amountB) {
		return fmt.Errorf("%w: %s has %s/%s, needs %s/%s", ErrInsufficientBalance, from.Hex(),
			bal.a.Dec(), bal.b.Dec(), amountA.Dec(), amountB.Dec())
	}
	bal.a.Sub(bal.a, amountA)
	bal.b.Sub(bal.b, amountB)
	l.state.pulledA.Add(l.state.pulledA, amountA)
	l.state.pulledB.Add(l.state.pulledB, amountB)
	return nil
}

func (l *Ledger) Push(_ context.Context, to common.Address, amountA, amountB *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceOf(to)
	bal.a.Add(bal.a, amountA)
	bal.b.Add(bal.b, amountB)
	l.state.pushedA.Add(l.state.pushedA, amountA)
	l.state.pushedB.Add(l.state.pushedB, amountB)
	return nil
}

func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, l.state.clone())
	return len(l.snapshots) - 1
}

func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id >= len(l.snapshots) {
		return
	}
	l.state = l.snapshots[id]
	l.snapshots = l.snapshots[:id]
}

func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id >= len(l.snapshots) {
		return
	}
	l.snapshots = l.snapshots[:id]
}

func (l *Ledger) balanceOf(owner common.Address) balance {
	bal, ok := l.state.balances[owner]
	if !ok {
		bal = balance{a: new(uint256.Int), b: new(uint256.Int)}
		l.state.balances[owner] = bal
	}
	return bal
}
