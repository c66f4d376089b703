// Package credits is the per-user credit balance and its append-only
// transaction log.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"postpilot/internal/domain"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Store is the datastore surface the ledger needs. Each Apply* call is a
// single transaction.
type Store interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	ApplyDebit(ctx context.Context, e storage.Entry) (bool, decimal.Decimal, error)
	ApplyCredit(ctx context.Context, e storage.Entry) (decimal.Decimal, error)
	Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}

var (
	DefaultCostPerPost    = decimal.NewFromInt(1)
	DefaultTrialCredits   = decimal.NewFromInt(1)
	DefaultPricePerCredit = decimal.RequireFromString("0.14")
)

const (
	TrialDescription    = "Free trial credits"
	PurchaseDescription = "Credit purchase"
)

type Options struct {
	CostPerPost    decimal.Decimal
	TrialCredits   decimal.Decimal
	PricePerCredit decimal.Decimal
}

func (o Options) withDefaults() Options {
	if !o.CostPerPost.IsPositive() {
		o.CostPerPost = DefaultCostPerPost
	}
	if o.TrialCredits.IsNegative() {
		o.TrialCredits = decimal.Zero
	}
	if !o.PricePerCredit.IsPositive() {
		o.PricePerCredit = DefaultPricePerCredit
	}
	return o
}

type Ledger struct {
	store Store
	log   logx.Logger

	mu  sync.RWMutex
	opt Options
}

func NewLedger(store Store, opt Options, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{store: store, log: log}
	l.Apply(opt)
	return l
}

func (l *Ledger) Apply(opt Options) {
	opt = opt.withDefaults()
	l.mu.Lock()
	l.opt = opt
	l.mu.Unlock()
}

func (l *Ledger) options() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opt
}

// CostPerPost is what one published post is billed.
func (l *Ledger) CostPerPost() decimal.Decimal { return l.options().CostPerPost }

// Account is a user's balance with its running counters.
type Account struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Purchased decimal.Decimal `json:"purchased"`
	Used      decimal.Decimal `json:"used"`
}

func (l *Ledger) Account(ctx context.Context, userID string) (Account, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return Account{}, wrap("get user", err)
	}
	return Account{UserID: u.ID, Balance: u.Credits, Purchased: u.CreditsPurchased, Used: u.CreditsUsed}, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	a, err := l.Account(ctx, userID)
	return a.Balance, err
}

// HasSufficient reports whether the balance covers amount.
func (l *Ledger) HasSufficient(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(amount), nil
}

// DebitForPost charges one post's cost and tags the entry with postID. When
// the balance is short it returns false with the balance unchanged.
func (l *Ledger) DebitForPost(ctx context.Context, userID, postID string) (bool, decimal.Decimal, error) {
	cost := l.CostPerPost()
	ok, bal, err := l.store.ApplyDebit(ctx, storage.Entry{
		UserID:      userID,
		Amount:      cost.Neg(),
		Description: postDescription(postID),
		PostID:      postID,
		StampPost:   true,
	})
	if err != nil {
		return false, decimal.Zero, wrap("debit", err)
	}
	if !ok {
		l.log.Warn("debit refused: insufficient credits", logx.String("user", userID), logx.String("post", postID), logx.String("balance", bal.String()))
		return false, bal, nil
	}
	l.log.Info("post charged", logx.String("user", userID), logx.String("post", postID), logx.String("amount", cost.String()), logx.String("balance", bal.String()))
	return true, bal, nil
}

func postDescription(postID string) string {
	short := postID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Post published: " + short + "..."
}

// Credit adds amount and records it. paymentRef is an external payment id
// and may be empty.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, description, paymentRef string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.Invalid("amount", "must be positive")
	}
	if description == "" {
		description = PurchaseDescription
	}
	bal, err := l.store.ApplyCredit(ctx, storage.Entry{
		UserID:      userID,
		Amount:      amount,
		Description: description,
		PaymentRef:  paymentRef,
	})
	if err != nil {
		return decimal.Zero, wrap("credit", err)
	}
	l.log.Info("credits added", logx.String("user", userID), logx.String("amount", amount.String()), logx.String("balance", bal.String()))
	return bal, nil
}

// GrantTrial credits a new user's free trial. A zero trial amount is a
// no-op.
func (l *Ledger) GrantTrial(ctx context.Context, userID string) (decimal.Decimal, error) {
	trial := l.options().TrialCredits
	if !trial.IsPositive() {
		return l.Balance(ctx, userID)
	}
	return l.Credit(ctx, userID, trial, TrialDescription, "")
}

// History returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	out, err := l.store.Transactions(ctx, userID, limit)
	return out, wrap("history", err)
}

// Verify replays the user's log. Users start at zero, so the balance must
// equal the sum of all amounts and the newest balance_after.
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return err
	}
	txs, err := l.History(ctx, userID, 0)
	if err != nil {
		return err
	}
	sum := decimal.Zero
	for _, t := range txs {
		sum = sum.Add(t.Amount)
	}
	if !sum.Equal(bal) {
		return fmt.Errorf("user %s: balance %s != sum of transactions %s", userID, bal, sum)
	}
	if len(txs) > 0 && !txs[0].BalanceAfter.Equal(bal) {
		return fmt.Errorf("user %s: balance %s != newest balance_after %s", userID, bal, txs[0].BalanceAfter)
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) || domain.IsValidation(err) {
		return err
	}
	return &domain.PersistenceError{Op: "credits " + op, Err: err}
}
