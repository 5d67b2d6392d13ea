package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vehicledx/backend/internal/domain"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/repos"
)

// Quota tiers. The auth collaborator stamps the tier into the bearer
// token; unknown tiers fall back to free.
const (
	TierFree     = "free"
	TierStandard = "standard"
	TierPro      = "pro"
)

func TierQuota(tier string) int {
	switch tier {
	case TierPro:
		return 200000
	case TierStandard:
		return 50000
	default:
		return 10000
	}
}

// Reservation is a provisional quota hold, settled exactly once by
// Commit or Release.
type Reservation struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Amount      int
	WindowStart time.Time

	entryID uuid.UUID
}

// Ledger enforces per-user token quotas over fixed rolling windows with a
// two-phase reserve/commit protocol. All mutations for one user are
// linearized behind that user's lock; different users proceed
// independently. The in-memory state is authoritative for admission;
// entries are persisted for audit and the balance endpoint.
type Ledger struct {
	log    *logger.Logger
	repo   repos.LedgerEntryRepo
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	users map[uuid.UUID]*userLedger
}

type userLedger struct {
	mu sync.Mutex

	quota       int
	windowStart time.Time
	reserved    int
	committed   int
	// debt is overage carried from the previous window: a provider overrun
	// is still charged but reduces the next window's availability instead
	// of failing the already-delivered response.
	debt  int
	holds map[uuid.UUID]*Reservation
}

type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(log *logger.Logger, repo repos.LedgerEntryRepo, window time.Duration, opts ...Option) *Ledger {
	if window <= 0 {
		window = time.Hour
	}
	l := &Ledger{
		log:    log.With("service", "TokenLedger"),
		repo:   repo,
		window: window,
		now:    time.Now,
		users:  make(map[uuid.UUID]*userLedger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) userState(userID uuid.UUID) *userLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.users[userID]
	if !ok {
		ul = &userLedger{holds: make(map[uuid.UUID]*Reservation)}
		l.users[userID] = ul
	}
	return ul
}

// rollIfNeeded grants a fresh balance when the window has moved on.
// Untouched holds from the expired window are discarded; overage beyond
// the expired window's budget is carried as debt. Caller holds ul.mu.
func (l *Ledger) rollIfNeeded(ul *userLedger, quota int) {
	currentStart := l.now().UTC().Truncate(l.window)
	ul.quota = quota
	if ul.windowStart.Equal(currentStart) {
		return
	}
	if !ul.windowStart.IsZero() {
		budget := ul.quota - ul.debt
		if budget < 0 {
			budget = 0
		}
		carried := ul.committed - budget
		if carried < 0 {
			carried = 0
		}
		if len(ul.holds) > 0 {
			l.log.Warn("discarding expired reservations on window roll",
				"count", len(ul.holds),
				"window_start", ul.windowStart,
			)
		}
		ul.debt = carried
	}
	ul.windowStart = currentStart
	ul.reserved = 0
	ul.committed = 0
	ul.holds = make(map[uuid.UUID]*Reservation)
}

// Reserve provisionally deducts estimated capacity before the completion
// call begins, so a burst of concurrent requests from one user cannot
// exceed quota even though the true cost is unknown until the stream ends.
func (l *Ledger) Reserve(ctx context.Context, userID uuid.UUID, tier string, estimated int, conversationID *uuid.UUID) (*Reservation, error) {
	if estimated <= 0 {
		return nil, fmt.Errorf("%w: reservation must be positive", pkgerrors.ErrInvalidArgument)
	}

	ul := l.userState(userID)
	ul.mu.Lock()
	defer ul.mu.Unlock()

	l.rollIfNeeded(ul, TierQuota(tier))

	available := ul.quota - ul.debt - ul.committed - ul.reserved
	if estimated > available {
		return nil, fmt.Errorf("%w: requested=%d available=%d", pkgerrors.ErrQuotaExceeded, estimated, available)
	}

	res := &Reservation{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      estimated,
		WindowStart: ul.windowStart,
	}

	if l.repo != nil {
		entry := &domain.LedgerEntry{
			UserID:         userID,
			WindowStart:    ul.windowStart,
			Reserved:       estimated,
			Status:         domain.LedgerEntryStatusHeld,
			ConversationID: conversationID,
		}
		created, err := l.repo.Create(ctx, nil, entry)
		if err != nil {
			return nil, fmt.Errorf("persist reservation: %w", err)
		}
		res.entryID = created.ID
	}

	ul.reserved += estimated
	ul.holds[res.ID] = res
	return res, nil
}

// Commit settles a reservation to its true cost. Under-use returns the
// difference to the available balance; overrun is still charged and may
// push the user into next-window debt. A commit for a reservation already
// discarded by a window roll charges the current window.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, actual int) error {
	if res == nil {
		return fmt.Errorf("%w: nil reservation", pkgerrors.ErrInvalidArgument)
	}
	if actual < 0 {
		actual = 0
	}

	ul := l.userState(res.UserID)
	ul.mu.Lock()
	defer ul.mu.Unlock()

	if _, held := ul.holds[res.ID]; held {
		delete(ul.holds, res.ID)
		ul.reserved -= res.Amount
	} else {
		l.log.Warn("commit for discarded reservation, charging current window",
			"user_id", res.UserID,
			"actual", actual,
		)
	}
	ul.committed += actual

	l.settle(ctx, res, actual, domain.LedgerEntryStatusCommitted)
	return nil
}

// Release returns an unused reservation, typically on cancellation or
// failure before any cost is known.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return fmt.Errorf("%w: nil reservation", pkgerrors.ErrInvalidArgument)
	}

	ul := l.userState(res.UserID)
	ul.mu.Lock()
	defer ul.mu.Unlock()

	if _, held := ul.holds[res.ID]; held {
		delete(ul.holds, res.ID)
		ul.reserved -= res.Amount
	}

	l.settle(ctx, res, 0, domain.LedgerEntryStatusReleased)
	return nil
}

// settle persists the outcome. The in-memory ledger stays authoritative
// for admission, so persistence failures are logged, not propagated.
func (l *Ledger) settle(ctx context.Context, res *Reservation, committed int, status string) {
	if l.repo == nil || res.entryID == uuid.Nil {
		return
	}
	if err := l.repo.Settle(ctx, nil, res.entryID, committed, status); err != nil {
		l.log.Warn("ledger entry settle failed",
			"entry_id", res.entryID,
			"status", status,
			"error", err,
		)
	}
}

// Balance reports the tokens still available to the user in the current
// window.
func (l *Ledger) Balance(userID uuid.UUID, tier string) (available int, windowStart time.Time) {
	ul := l.userState(userID)
	ul.mu.Lock()
	defer ul.mu.Unlock()

	l.rollIfNeeded(ul, TierQuota(tier))

	available = ul.quota - ul.debt - ul.committed - ul.reserved
	if available < 0 {
		available = 0
	}
	return available, ul.windowStart
}
