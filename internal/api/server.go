package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tickLend/internal/amm"
	"tickLend/internal/lending"
	"tickLend/internal/model"
	"tickLend/internal/replay"
	"tickLend/internal/settle"
)

const requestLimit = 1 << 20

// Server exposes the market over HTTP. Mutations reuse the operation records of the replay
// input so a journal line and a request body have the same shape.
type Server struct {
	engine   *lending.Engine
	applier  *replay.Applier
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	timeout  time.Duration
}

func NewServer(engine *lending.Engine, pool *amm.Simulator, vault *settle.Ledger, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:   engine,
		applier:  replay.NewApplier(engine, pool, vault),
		gatherer: gatherer,
		logger:   logger,
		timeout:  10 * time.Second,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	for _, op := range []string{model.OpProvide, model.OpTake, model.OpWithdraw, model.OpOpen, model.OpClose} {
		r.Post("/"+op, s.operation(op))
	}
	r.Route("/sim", func(sr chi.Router) {
		for _, op := range []string{model.OpMint, model.OpPrice, model.OpFees} {
			sr.Post("/"+op, s.operation(op))
		}
	})
	r.Post("/interest", s.interest)

	r.Get("/snapshot", s.snapshot)
	r.Get("/reserve", s.reserve)
	r.Get("/buckets", s.listBuckets)
	r.Get("/buckets/{tick}", s.getBucket)
	r.Get("/lenders/{tick}/{owner}", s.getLender)
	r.Get("/loans/{owner}/{tickBor}/{tickCol}", s.getLoan)
	r.Get("/loans/{owner}/{tickBor}/{tickCol}/end", s.getLoanEnd)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *Server) operation(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var op model.Operation
		if err := decodeRequest(r, &op); err != nil {
			writeBadRequest(w, err)
			return
		}
		op.Op = name

		ctx, cancel := s.context(r.Context())
		defer cancel()

		result, err := s.applier.Apply(ctx, op)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type interestRequest struct {
	Principal string `json:"principal"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end"`
}

func (s *Server) interest(w http.ResponseWriter, r *http.Request) {
	var req interestRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	principal, err := replay.ParseAmount("principal", req.Principal)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := s.engine.Interest(principal, req.Start, req.End)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"interest": amount.Dec()})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) reserve(w http.ResponseWriter, r *http.Request) {
	a, b := s.engine.Reserve()
	writeJSON(w, http.StatusOK, map[string]string{"amount_a": a.Dec(), "amount_b": b.Dec()})
}

func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	ticks := s.engine.Ticks()
	out := make([]model.BucketRecord, 0, len(ticks))
	for _, tick := range ticks {
		if b, ok := s.engine.Bucket(tick); ok {
			out = append(out, bucketRecord(tick, b))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBucket(w http.ResponseWriter, r *http.Request) {
	tick, err := tickParam(r, "tick")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	b, ok := s.engine.Bucket(tick)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("bucket %d not found", tick))
		return
	}
	writeJSON(w, http.StatusOK, bucketRecord(tick, b))
}

type lenderResponse struct {
	model.LenderRecord
	Pending    *model.WithdrawalRecord `json:"pending,omitempty"`
	EarnedFeeA string                  `json:"earned_fee_a"`
	EarnedFeeB string                  `json:"earned_fee_b"`
}

func (s *Server) getLender(w http.ResponseWriter, r *http.Request) {
	tick, err := tickParam(r, "tick")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := replay.ParseOwner(chi.URLParam(r, "owner"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	l, hasShares := s.engine.Lender(tick, owner)
	pending, hasPending := s.engine.PendingWithdrawal(tick, owner)
	if !hasShares && !hasPending {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("lender %s not found at tick %d", owner.Hex(), tick))
		return
	}

	ctx, cancel := s.context(r.Context())
	defer cancel()
	feeA, feeB, err := s.engine.EarnedFees(ctx, tick, owner)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := lenderResponse{
		LenderRecord: model.LenderRecord{Tick: tick, Owner: owner.Hex(), Shares: "0", SnapshotA: "0", SnapshotB: "0"},
		EarnedFeeA:   feeA.Dec(),
		EarnedFeeB:   feeB.Dec(),
	}
	if hasShares {
		resp.Shares = l.Shares.Dec()
		resp.SnapshotA = l.SnapshotA.Dec()
		resp.SnapshotB = l.SnapshotB.Dec()
	}
	if hasPending {
		resp.Pending = &model.WithdrawalRecord{
			Tick:       tick,
			Owner:      owner.Hex(),
			AmountA:    pending.AmountA.Dec(),
			AmountB:    pending.AmountB.Dec(),
			EligibleAt: pending.EligibleAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loanKey(r *http.Request) (lending.LoanKey, error) {
	owner, err := replay.ParseOwner(chi.URLParam(r, "owner"))
	if err != nil {
		return lending.LoanKey{}, err
	}
	tickBor, err := tickParam(r, "tickBor")
	if err != nil {
		return lending.LoanKey{}, err
	}
	tickCol, err := tickParam(r, "tickCol")
	if err != nil {
		return lending.LoanKey{}, err
	}
	return lending.LoanKey{Owner: owner, TickBor: tickBor, TickCol: tickCol}, nil
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	key, err := s.loanKey(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	loan, ok := s.engine.Loan(key.Owner, key.TickBor, key.TickCol)
	if !ok {
		writeError(w, lending.ErrLoanNotFound)
		return
	}
	writeJSON(w, http.StatusOK, model.LoanRecord{
		Owner:        key.Owner.Hex(),
		TickBor:      key.TickBor,
		TickCol:      key.TickCol,
		LiquidityBor: loan.LiquidityBor.Dec(),
		LiquidityCol: loan.LiquidityCol.Dec(),
		Interest:     loan.Interest.Dec(),
		Fee:          loan.Fee.Dec(),
		EscrowA:      loan.EscrowA.Dec(),
		EscrowB:      loan.EscrowB.Dec(),
		Start:        loan.Start,
	})
}

func (s *Server) getLoanEnd(w http.ResponseWriter, r *http.Request) {
	key, err := s.loanKey(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	end, err := s.engine.LoanEnd(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"end": end})
}

func bucketRecord(tick int32, b *lending.Bucket) model.BucketRecord {
	return model.BucketRecord{
		Tick:        tick,
		Liquidity:   b.Liquidity.Dec(),
		Locked:      b.Locked.Dec(),
		TotalShares: b.TotalShares.Dec(),
		FeeGrowthA:  b.FeeGrowthA.Dec(),
		FeeGrowthB:  b.FeeGrowthB.Dec(),
		InsideA:     b.InsideA.Dec(),
		InsideB:     b.InsideB.Dec(),
	}
}

func tickParam(r *http.Request, name string) (int32, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return int32(v), nil
}

func decodeRequest(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// StatusFor maps an operation error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, replay.ErrInvalidInput), errors.Is(err, replay.ErrUnknownOp):
		return http.StatusBadRequest
	case errors.Is(err, settle.ErrInsufficientBalance):
		return http.StatusConflict
	}
	switch lending.Code(err) {
	case "loan_not_found", "no_withdrawal_pending":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusForbidden
	case "invalid_amount", "tick_out_of_range", "excess_interest", "zero_shares_minted":
		return http.StatusUnprocessableEntity
	case "insufficient_shares", "insufficient_liquidity", "insufficient_collateral",
		"insufficient_loan_liquidity", "slippage_exceeded", "withdrawal_not_ready", "reentrant":
		return http.StatusConflict
	case "external_call_failed":
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, amm.ErrZeroLiquidity), errors.Is(err, amm.ErrRange):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, StatusFor(err), err)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, _ := json.Marshal(map[string]string{"error": message})
	_, _ = w.Write(payload)
}

