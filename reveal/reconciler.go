package reveal

import (
	"sync"

	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/shopspring/decimal"
)

// View is what the client renders.
type View struct {
	WalletBalance   decimal.Decimal
	RewardPoints    int64
	FreeSpinCredits int64
	JackpotTotal    decimal.Decimal
	JackpotVersion  int64
	// Provisional is set while either value is a local estimate.
	ProvisionalBalance bool
	ProvisionalJackpot bool
}

// Reconciler holds display values. A provisional value may be shown for
// responsiveness, but any authoritative value replaces it, and jackpot values
// only move forward in version.
type Reconciler struct {
	mu        sync.Mutex
	view      View
	mark      jackpot.Watermark
	committed decimal.Decimal
}

// NewReconciler creates an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// View returns a copy of the current display values.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// SetProvisionalBalance shows an estimated wallet balance, e.g. after
// deducting the cost locally before the result arrives.
func (r *Reconciler) SetProvisionalBalance(wallet decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.WalletBalance = wallet
	r.view.ProvisionalBalance = true
}

// ApplyBalances overwrites balances with server values.
func (r *Reconciler) ApplyBalances(b Balances) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.WalletBalance = b.WalletBalance
	r.view.RewardPoints = b.RewardPoints
	r.view.FreeSpinCredits = b.FreeSpinCredits
	r.view.ProvisionalBalance = false
}

// SetProvisionalJackpot shows an estimated jackpot total. It does not move
// the version watermark.
func (r *Reconciler) SetProvisionalJackpot(total decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view.JackpotTotal = total
	r.view.ProvisionalJackpot = true
}

// ApplyJackpot applies a committed snapshot if its version is newer than the
// last applied one. Any committed snapshot ends a provisional total; a stale
// one restores the last committed total.
func (r *Reconciler) ApplyJackpot(s jackpot.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.mark.Apply(s) {
		if r.view.ProvisionalJackpot {
			r.view.JackpotTotal = r.committed
			r.view.ProvisionalJackpot = false
		}
		return false
	}
	r.committed = s.Total
	r.view.JackpotTotal = s.Total
	r.view.JackpotVersion = s.Version
	r.view.ProvisionalJackpot = false
	return true
}

// ApplyResult reconciles against an open result.
func (r *Reconciler) ApplyResult(res *Result) {
	if res == nil {
		return
	}
	if res.Balances != nil {
		r.ApplyBalances(*res.Balances)
	}
	r.ApplyJackpot(jackpot.Snapshot{Total: res.JackpotTotal, Version: res.JackpotVersion})
}
