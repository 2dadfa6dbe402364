package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"stock-ledger/internal/domain"
	"stock-ledger/internal/events"
	"stock-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyStore fails the first failures Decrement/Increment calls. When
// commitFirst is set the failing call still applies, which models a commit
// whose acknowledgement was lost.
type flakyStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	failures    int
	commitFirst bool
	calls       int
}

func (f *flakyStore) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return true
	}
	return false
}

func (f *flakyStore) Decrement(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	if f.fail() {
		if f.commitFirst {
			_, _ = f.MemoryStore.Decrement(ctx, ref, productID, qty)
		}
		return domain.StockChange{}, errors.New("database is locked")
	}
	return f.MemoryStore.Decrement(ctx, ref, productID, qty)
}

func (f *flakyStore) Increment(ctx context.Context, ref, productID string, qty int) (domain.StockChange, error) {
	if f.fail() {
		return domain.StockChange{}, errors.New("disk I/O error")
	}
	return f.MemoryStore.Increment(ctx, ref, productID, qty)
}

func newTestLedger(t *testing.T, st store.Store, retries int) (*Ledger, *events.InMemoryEventPublisher) {
	t.Helper()
	pub := events.NewInMemoryEventPublisher(zap.NewNop())
	return New(st, st, pub, zap.NewNop(), Options{Retries: retries, Backoff: time.Millisecond}), pub
}

func seeded(recs ...domain.StockRecord) *store.MemoryStore {
	s := store.NewMemoryStore()
	for _, r := range recs {
		s.Seed(r)
	}
	return s
}

func TestReserve_Success(t *testing.T) {
	l, pub := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 5}), 0)

	change, err := l.Reserve(context.Background(), "r1", "p1", 3)

	require.NoError(t, err)
	assert.Equal(t, domain.StockChange{ProductID: "p1", Before: 5, After: 2}, change)
	stockEvents := pub.OfType(events.TypeStockChanged)
	require.Len(t, stockEvents, 1)
	ev := stockEvents[0].(events.StockChangedEvent)
	assert.Equal(t, "r1", ev.Ref)
	assert.Equal(t, 2, ev.After)
}

func TestReserve_ExactlyAvailableLeavesZero(t *testing.T) {
	l, _ := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 4}), 0)

	change, err := l.Reserve(context.Background(), "r1", "p1", 4)

	require.NoError(t, err)
	assert.Equal(t, 0, change.After)
}

func TestReserve_InvalidArguments(t *testing.T) {
	l, pub := newTestLedger(t, seeded(), 0)

	_, err := l.Reserve(context.Background(), "r", "p1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = l.Reserve(context.Background(), "r", "p1", -2)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = l.Reserve(context.Background(), "r", "", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, pub.Events())
}

func TestReserve_InsufficientStockCarriesDetails(t *testing.T) {
	l, pub := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 2}), 3)

	_, err := l.Reserve(context.Background(), "r1", "p1", 3)

	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "p1", de.ProductID)
	assert.Equal(t, 2, de.Available)
	assert.Equal(t, 3, de.Requested)
	assert.Empty(t, pub.Events())

	rec, err := l.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AvailableQty)
}

func TestReserve_MissingProduct(t *testing.T) {
	l, _ := newTestLedger(t, seeded(), 0)

	_, err := l.Reserve(context.Background(), "r1", "ghost", 1)

	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindInsufficientStock, de.Kind)
	assert.Equal(t, 0, de.Available)
}

func TestReserve_RetriesTransientFailure(t *testing.T) {
	fs := &flakyStore{MemoryStore: seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 5}), failures: 2}
	l, _ := newTestLedger(t, fs, 3)

	change, err := l.Reserve(context.Background(), "r1", "p1", 1)

	require.NoError(t, err)
	assert.Equal(t, 4, change.After)
	assert.Equal(t, 3, fs.calls)
}

func TestReserve_RetryAfterLostAckDoesNotDoubleApply(t *testing.T) {
	fs := &flakyStore{MemoryStore: seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 5}), failures: 1, commitFirst: true}
	l, _ := newTestLedger(t, fs, 2)

	change, err := l.Reserve(context.Background(), "r1", "p1", 2)

	require.NoError(t, err)
	assert.Equal(t, domain.StockChange{ProductID: "p1", Before: 5, After: 3}, change)
	rec, err := l.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AvailableQty)
}

func TestReserve_GivesUpAsStoreUnavailable(t *testing.T) {
	fs := &flakyStore{MemoryStore: seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 5}), failures: 10}
	l, _ := newTestLedger(t, fs, 2)

	_, err := l.Reserve(context.Background(), "r1", "p1", 1)

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, 3, fs.calls)
}

func TestReserve_InsufficientStockIsNotRetried(t *testing.T) {
	fs := &flakyStore{MemoryStore: seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 0})}
	l, _ := newTestLedger(t, fs, 5)

	_, err := l.Reserve(context.Background(), "r1", "p1", 1)

	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 1, fs.calls)
}

func TestReserve_ConcurrentNeverGoesNegative(t *testing.T) {
	const initial = 7
	l, _ := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", AvailableQty: initial}), 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(context.Background(), uuid.NewString(), "p1", 2)
			if err == nil {
				mu.Lock()
				granted += 2
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	rec, err := l.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.AvailableQty, 0)
	assert.Equal(t, initial-granted, rec.AvailableQty)
	assert.Equal(t, 6, granted)
}

func TestRelease_ZeroIsNoop(t *testing.T) {
	l, pub := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 3}), 0)

	change, err := l.Release(context.Background(), "r1", "p1", 0)

	require.NoError(t, err)
	assert.Equal(t, domain.StockChange{ProductID: "p1", Before: 3, After: 3}, change)
	assert.Empty(t, pub.Events())
}

func TestRelease_CreatesMissingRowAndIgnoresMax(t *testing.T) {
	l, _ := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", MaxQty: 2, AvailableQty: 2}), 0)
	ctx := context.Background()

	change, err := l.Release(ctx, "r1", "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, 7, change.After)

	change, err = l.Release(ctx, "r2", "fresh", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StockChange{ProductID: "fresh", Before: 0, After: 3}, change)

	_, err = l.Release(ctx, "r3", "p1", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRelease_RejectsQuantityThatWouldOverflow(t *testing.T) {
	st := seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 5})
	l, pub := newTestLedger(t, st, 2)
	ctx := context.Background()

	_, err := l.Release(ctx, "r1", "p1", math.MaxInt)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = l.Release(ctx, "r2", "p1", domain.MaxQuantity)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)

	rec, err := l.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.AvailableQty)
	assert.Empty(t, pub.Events())
}

func TestReserve_ReusedRefWithDifferentQuantity(t *testing.T) {
	l, _ := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 10}), 0)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "adhoc:req-1", "p1", 2)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "adhoc:req-1", "p1", 5)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.NotErrorIs(t, err, domain.ErrConsistencyViolation)
}

func TestRelease_RetriesTransientFailure(t *testing.T) {
	fs := &flakyStore{MemoryStore: seeded(domain.StockRecord{ProductID: "p1"}), failures: 1}
	l, _ := newTestLedger(t, fs, 1)

	change, err := l.Release(context.Background(), "r1", "p1", 2)

	require.NoError(t, err)
	assert.Equal(t, 2, change.After)
}

func TestSetAvailable(t *testing.T) {
	l, pub := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", Name: "Eggs", AvailableQty: 1}), 0)
	ctx := context.Background()

	change, rec, err := l.SetAvailable(ctx, "p1", 10, SetOptions{NotifyAtCount: domain.IntPtr(3)})
	require.NoError(t, err)
	assert.Equal(t, 1, change.Before)
	assert.Equal(t, 10, change.After)
	assert.Equal(t, "Eggs", rec.Name)
	require.NotNil(t, rec.NotifyAtCount)
	assert.Equal(t, 3, *rec.NotifyAtCount)
	assert.Len(t, pub.OfType(events.TypeStockChanged), 1)

	// Same value: nothing to publish.
	_, _, err = l.SetAvailable(ctx, "p1", 10, SetOptions{})
	require.NoError(t, err)
	assert.Len(t, pub.OfType(events.TypeStockChanged), 1)

	_, _, err = l.SetAvailable(ctx, "p1", -1, SetOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, _, err = l.SetAvailable(ctx, "p1", 1, SetOptions{MaxQty: domain.IntPtr(-3)})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestReservationFor(t *testing.T) {
	l, _ := newTestLedger(t, seeded(domain.StockRecord{ProductID: "p1", AvailableQty: 3}), 0)
	ctx := context.Background()

	mv, err := l.ReservationFor(ctx, "order-1", "p1")
	require.NoError(t, err)
	assert.Nil(t, mv)

	_, err = l.Reserve(ctx, "order-1", "p1", 2)
	require.NoError(t, err)

	mv, err = l.ReservationFor(ctx, "order-1", "p1")
	require.NoError(t, err)
	require.NotNil(t, mv)
	assert.Equal(t, 2, mv.Qty)
}

func TestReleaseOrder_CreditsLinesOnce(t *testing.T) {
	st := seeded(
		domain.StockRecord{ProductID: "a", AvailableQty: 1},
		domain.StockRecord{ProductID: "b", AvailableQty: 0},
	)
	l, pub := newTestLedger(t, st, 0)
	ctx := context.Background()

	order := domain.NewOrder(nil, "", []domain.OrderLine{{ProductID: "a", Qty: 2}, {ProductID: "b", Qty: 4}})
	require.NoError(t, st.CreateOrder(ctx, order))

	canceled, changes, err := l.ReleaseOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCanceled, canceled.Status)
	assert.Len(t, changes, 2)
	assert.Len(t, pub.OfType(events.TypeStockChanged), 2)

	_, _, err = l.ReleaseOrder(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	recs, err := l.GetMany(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 3, recs["a"].AvailableQty)
	assert.Equal(t, 4, recs["b"].AvailableQty)

	_, _, err = l.ReleaseOrder(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
