package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
)

// retention keeps an expired window around for the admin listing before the store drops it.
const retention = 7 * 24 * time.Hour

type Options struct {
	Limits Limits
	// Location fixes day and month boundaries regardless of where callers are.
	Location *time.Location
	// TwoPhase checks every window before decrementing any of them.
	TwoPhase bool
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Ledger admits or rejects consumption against per-identity time windows.
type Ledger struct {
	store    Store
	limits   Limits
	loc      *time.Location
	twoPhase bool
	now      func() time.Time
	logger   *zap.Logger
}

func New(store Store, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store is nil")
	}
	limits := opts.Limits
	def := DefaultLimits()
	if limits.FreeDaily <= 0 {
		limits.FreeDaily = def.FreeDaily
	}
	if limits.FreeMonthly <= 0 {
		limits.FreeMonthly = def.FreeMonthly
	}
	if limits.PaidMonthly <= 0 {
		limits.PaidMonthly = def.PaidMonthly
	}
	loc := opts.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("Africa/Cairo")
		if err != nil {
			return nil, fmt.Errorf("load reference timezone: %w", err)
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:    store,
		limits:   limits,
		loc:      loc,
		twoPhase: opts.TwoPhase,
		now:      clock,
		logger:   logger.Named("ledger"),
	}, nil
}

type shape struct {
	tier  Tier
	kind  WindowKind
	limit int
}

// shapes lists the windows of a tier in evaluation order.
func (l *Ledger) shapes(tier Tier) []shape {
	if tier == TierPaid {
		return []shape{{TierPaid, WindowMonthly, l.limits.PaidMonthly}}
	}
	return []shape{
		{TierFree, WindowDaily, l.limits.FreeDaily},
		{TierFree, WindowMonthly, l.limits.FreeMonthly},
	}
}

func (l *Ledger) allShapes() []shape {
	return append(l.shapes(TierFree), l.shapes(TierPaid)...)
}

type slot struct {
	shape
	key    string
	expiry time.Time
}

func (l *Ledger) slot(identity string, s shape, now time.Time) slot {
	label, _, end := period(s.kind, now, l.loc)
	return slot{shape: s, key: scopeKey(identity, s.tier, s.kind, label), expiry: end}
}

// current resolves the live window for a slot; a missing or expired record is a fresh full window.
func (sl slot) current(w Window, found bool, now time.Time) Window {
	if !found || now.After(w.ExpiresAt) {
		return Window{Limit: sl.limit, Remaining: sl.limit, ExpiresAt: sl.expiry}
	}
	return w
}

func (sl slot) status(w Window) WindowStatus {
	return WindowStatus{Kind: sl.kind, Remaining: w.Remaining, Limit: w.Limit, ExpiresAt: w.ExpiresAt}
}

func (l *Ledger) put(tx Txn, sl slot, w Window, now time.Time) error {
	w.UpdatedAt = now
	return tx.Put(sl.key, w, w.ExpiresAt.Sub(now)+retention)
}

func validate(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return errors.New("identity is empty")
	}
	return nil
}

// Consume decrements cost from every window of the tier in order. On the free
// tier a monthly denial keeps the daily decrement unless TwoPhase is set.
func (l *Ledger) Consume(ctx context.Context, identity string, tier Tier, cost int) (Decision, error) {
	if err := validate(identity); err != nil {
		return Decision{}, err
	}
	if cost <= 0 {
		return Decision{}, fmt.Errorf("cost must be positive, got %d", cost)
	}
	now := l.now()
	slots := make([]slot, 0, 2)
	for _, s := range l.shapes(tier) {
		slots = append(slots, l.slot(identity, s, now))
	}

	var (
		decision Decision
		err      error
	)
	if l.twoPhase {
		decision, err = l.consumeAll(ctx, slots, cost, now)
	} else {
		decision, err = l.consumeInOrder(ctx, slots, cost, now)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("consume credits: %w", err)
	}
	if !decision.Allowed {
		l.logger.Info("credits denied",
			zap.String("identity", identity),
			zap.String("tier", string(tier)),
			zap.String("window", string(decision.DeniedBy)))
	}
	return decision, nil
}

func (l *Ledger) consumeInOrder(ctx context.Context, slots []slot, cost int, now time.Time) (Decision, error) {
	decision := Decision{Allowed: true}
	for _, sl := range slots {
		var (
			next   Window
			denied bool
		)
		err := l.store.Update(ctx, func(tx Txn) error {
			w, found, err := tx.Get(sl.key)
			if err != nil {
				return err
			}
			next = sl.current(w, found, now)
			if next.Remaining < cost {
				denied = true
				return nil
			}
			denied = false
			next.Remaining -= cost
			return l.put(tx, sl, next, now)
		})
		if err != nil {
			return Decision{}, err
		}
		decision.Windows = append(decision.Windows, sl.status(next))
		if denied {
			decision.Allowed = false
			decision.DeniedBy = sl.kind
			return decision, nil
		}
	}
	return decision, nil
}

func (l *Ledger) consumeAll(ctx context.Context, slots []slot, cost int, now time.Time) (Decision, error) {
	var decision Decision
	err := l.store.Update(ctx, func(tx Txn) error {
		decision = Decision{Allowed: true}
		windows := make([]Window, len(slots))
		for i, sl := range slots {
			w, found, err := tx.Get(sl.key)
			if err != nil {
				return err
			}
			windows[i] = sl.current(w, found, now)
			if windows[i].Remaining < cost && decision.Allowed {
				decision.Allowed = false
				decision.DeniedBy = sl.kind
			}
		}
		for i, sl := range slots {
			if decision.Allowed {
				windows[i].Remaining -= cost
				if err := l.put(tx, sl, windows[i], now); err != nil {
					return err
				}
			}
			decision.Windows = append(decision.Windows, sl.status(windows[i]))
		}
		return nil
	})
	return decision, err
}

// Status reports the tier's windows without writing anything.
func (l *Ledger) Status(ctx context.Context, identity string, tier Tier) (Usage, error) {
	if err := validate(identity); err != nil {
		return Usage{}, err
	}
	now := l.now()
	usage := Usage{Tier: tier}
	for _, s := range l.shapes(tier) {
		sl := l.slot(identity, s, now)
		w, found, err := l.store.Get(ctx, sl.key)
		if err != nil {
			return Usage{}, fmt.Errorf("read credits: %w", err)
		}
		usage.Windows = append(usage.Windows, sl.status(sl.current(w, found, now)))
	}
	usage.Effective = effective(usage.Windows)
	return usage, nil
}

// Grant resets every current-period window of both tiers to points/points.
func (l *Ledger) Grant(ctx context.Context, identity string, points int) error {
	if err := validate(identity); err != nil {
		return err
	}
	if points < 0 {
		return fmt.Errorf("points must not be negative, got %d", points)
	}
	return l.rewrite(ctx, identity, func(Window, bool) int { return points })
}

// Adjust moves the balance of every current-period window and pins the limit to it.
func (l *Ledger) Adjust(ctx context.Context, identity string, op AdjustOp, amount int) error {
	if err := validate(identity); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("amount must not be negative, got %d", amount)
	}
	if _, err := ParseAdjustOp(string(op)); err != nil {
		return err
	}
	return l.rewrite(ctx, identity, func(w Window, live bool) int {
		if !live {
			if op == AdjustSubtract {
				return 0
			}
			return amount
		}
		switch op {
		case AdjustAdd:
			return w.Remaining + amount
		case AdjustSubtract:
			return max(0, w.Remaining-amount)
		default:
			return amount
		}
	})
}

func (l *Ledger) rewrite(ctx context.Context, identity string, balance func(w Window, live bool) int) error {
	now := l.now()
	err := l.store.Update(ctx, func(tx Txn) error {
		for _, s := range l.allShapes() {
			sl := l.slot(identity, s, now)
			w, found, err := tx.Get(sl.key)
			if err != nil {
				return err
			}
			live := found && !now.After(w.ExpiresAt)
			n := balance(w, live)
			if err := l.put(tx, sl, Window{Limit: n, Remaining: n, ExpiresAt: sl.expiry}, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update credits: %w", err)
	}
	l.logger.Info("credits rewritten", zap.String("identity", identity))
	return nil
}

// List returns stored windows, optionally narrowed to one identity.
func (l *Ledger) List(ctx context.Context, identity string) ([]Record, error) {
	prefix := keyPrefix
	if strings.TrimSpace(identity) != "" {
		prefix = identityPrefix(identity)
	}
	var out []Record
	err := l.store.Scan(ctx, prefix, func(key string, w Window) error {
		rec, err := parseKey(key)
		if err != nil {
			l.logger.Warn("skipping ledger record", zap.Error(err))
			return nil
		}
		rec.Window = w
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list credits: %w", err)
	}
	return out, nil
}
