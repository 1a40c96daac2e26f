package listing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/auth"
	"agro-market-api-server/internal/identity"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/session"
	"agro-market-api-server/internal/store"
	"agro-market-api-server/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	t        *testing.T
	db       *memory.Store
	provider *identity.PasswordProvider
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tokens, err := auth.NewTokenManager("test-secret", time.Hour)
	require.NoError(t, err)
	db := memory.New()
	return &env{
		t:        t,
		db:       db,
		provider: identity.NewPasswordProvider(db, tokens, zap.NewNop(), identity.WithHashCost(bcrypt.MinCost)),
	}
}

// client is one signed-in user with a session and a listing store following it.
type client struct {
	session *session.Store
	lots    *Store
}

func (e *env) client(lots store.LotStore) client {
	if lots == nil {
		lots = e.db
	}
	sess := session.NewStore(e.provider, e.db, zap.NewNop())
	l := NewStore(sess, lots, zap.NewNop())
	l.Start(context.Background())
	e.t.Cleanup(l.Close)
	return client{session: sess, lots: l}
}

func (e *env) register(name, email string, role models.Role) client {
	e.t.Helper()
	c := e.client(nil)
	_, err := c.session.Register(context.Background(), name, email, "secret123", role)
	require.NoError(e.t, err)
	return c
}

func tomato() models.LotDraft {
	return models.LotDraft{
		ProductType: "Tomate",
		Quantity:    100,
		Unit:        models.UnitKg,
		HarvestDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Location:    "Boyacá",
		PricePerKg:  3500,
	}
}

func TestPendingSessionOpensNoSubscription(t *testing.T) {
	e := newEnv(t)
	c := e.client(nil)

	snap := c.lots.Snapshot()
	assert.True(t, snap.Loading)
	assert.Nil(t, snap.Lots)
	assert.Nil(t, snap.UserLots)
	assert.Zero(t, e.db.ActiveSubscriptions())

	require.NoError(t, c.session.Resolve(context.Background(), ""))
	snap = c.lots.Snapshot()
	assert.False(t, snap.Loading)
	assert.Zero(t, e.db.ActiveSubscriptions(), "signed out users watch nothing")
}

func TestFarmerSeesOnlyOwnLots(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	carlos := e.register("Carlos", "carlos@farm.co", models.RoleFarmer)
	lucia := e.register("Lucía", "lucia@farm.co", models.RoleFarmer)

	mine, err := carlos.lots.AddLot(ctx, tomato())
	require.NoError(t, err)
	_, err = lucia.lots.AddLot(ctx, tomato())
	require.NoError(t, err)

	snap := carlos.lots.Snapshot()
	assert.False(t, snap.Loading)
	require.Len(t, snap.UserLots, 1)
	assert.Equal(t, mine.ID, snap.UserLots[0].ID)
	assert.Nil(t, snap.Lots)

	require.NoError(t, e.db.MarkSold(ctx, []string{mine.ID}))
	snap = carlos.lots.Snapshot()
	require.Len(t, snap.UserLots, 1, "farmers keep sold lots in view")
	assert.Equal(t, models.LotSold, snap.UserLots[0].Status)
}

func TestBuyerSeesAvailableLotsOfEveryFarmer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	carlos := e.register("Carlos", "carlos@farm.co", models.RoleFarmer)
	lucia := e.register("Lucía", "lucia@farm.co", models.RoleFarmer)
	ana := e.register("Ana", "ana@grocer.com", models.RoleBuyer)

	a, err := carlos.lots.AddLot(ctx, tomato())
	require.NoError(t, err)
	b, err := lucia.lots.AddLot(ctx, tomato())
	require.NoError(t, err)
	c, err := lucia.lots.AddLot(ctx, tomato())
	require.NoError(t, err)
	require.NoError(t, e.db.MarkSold(ctx, []string{c.ID}))

	snap := ana.lots.Snapshot()
	var ids []string
	for _, lot := range snap.Lots {
		assert.Equal(t, models.LotAvailable, lot.Status)
		ids = append(ids, lot.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	assert.Nil(t, snap.UserLots)
}

func TestAddLotRequiresFarmer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ana := e.register("Ana", "ana@grocer.com", models.RoleBuyer)

	_, err := ana.lots.AddLot(ctx, tomato())
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	anon := e.client(nil)
	_, err = anon.lots.AddLot(ctx, tomato())
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	all, err := e.db.ListLots(ctx, store.LotQuery{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAddLotFillsOwnerAndStatus(t *testing.T) {
	e := newEnv(t)
	carlos := e.register("Carlos Mendoza", "carlos@farm.co", models.RoleFarmer)

	lot, err := carlos.lots.AddLot(context.Background(), tomato())
	require.NoError(t, err)
	assert.NotEmpty(t, lot.ID)
	assert.Equal(t, carlos.session.User().ID, lot.FarmerID)
	assert.Equal(t, "Carlos Mendoza", lot.FarmerName)
	assert.Equal(t, models.LotAvailable, lot.Status)
	assert.NotEmpty(t, lot.Image.URL)
}

func TestDeleteLot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	carlos := e.register("Carlos", "carlos@farm.co", models.RoleFarmer)
	lucia := e.register("Lucía", "lucia@farm.co", models.RoleFarmer)
	ana := e.register("Ana", "ana@grocer.com", models.RoleBuyer)

	lot, err := carlos.lots.AddLot(ctx, tomato())
	require.NoError(t, err)

	assert.ErrorIs(t, lucia.lots.DeleteLot(ctx, lot.ID), apperr.ErrAuthorization)
	assert.ErrorIs(t, ana.lots.DeleteLot(ctx, lot.ID), apperr.ErrAuthorization)
	_, err = e.db.GetLot(ctx, lot.ID)
	require.NoError(t, err, "record is intact")

	assert.ErrorIs(t, carlos.lots.DeleteLot(ctx, "missing"), apperr.ErrNotFound)

	require.NoError(t, carlos.lots.DeleteLot(ctx, lot.ID))
	_, err = e.db.GetLot(ctx, lot.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, carlos.lots.Snapshot().UserLots)
}

func TestLogoutCancelsSubscription(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	carlos := e.register("Carlos", "carlos@farm.co", models.RoleFarmer)
	_, err := carlos.lots.AddLot(ctx, tomato())
	require.NoError(t, err)
	assert.Equal(t, 1, e.db.ActiveSubscriptions())

	require.NoError(t, carlos.session.Logout(ctx))
	assert.Zero(t, e.db.ActiveSubscriptions())
	snap := carlos.lots.Snapshot()
	assert.False(t, snap.Loading)
	assert.Nil(t, snap.UserLots)
	assert.Nil(t, snap.Lots)

	_, err = carlos.session.Login(ctx, "carlos@farm.co", "secret123")
	require.NoError(t, err)
	assert.Equal(t, 1, e.db.ActiveSubscriptions(), "one subscription per scope")
	assert.Len(t, carlos.lots.Snapshot().UserLots, 1)
}

func TestCloseCancelsSubscription(t *testing.T) {
	e := newEnv(t)
	carlos := e.register("Carlos", "carlos@farm.co", models.RoleFarmer)
	require.Equal(t, 1, e.db.ActiveSubscriptions())

	carlos.lots.Close()
	assert.Zero(t, e.db.ActiveSubscriptions())
	carlos.lots.Close()
}

// recordingLots hands subscription callbacks to the test instead of firing them.
type recordingLots struct {
	*memory.Store

	mu   sync.Mutex
	subs []recordedSub
	err  error
}

type recordedSub struct {
	query      store.LotQuery
	onSnapshot func([]models.Lot)
	onError    func(error)
	cancelled  *bool
}

func (r *recordingLots) SubscribeLots(_ context.Context, q store.LotQuery, onSnapshot func([]models.Lot), onError func(error)) (store.Unsubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	cancelled := new(bool)
	r.subs = append(r.subs, recordedSub{query: q, onSnapshot: onSnapshot, onError: onError, cancelled: cancelled})
	return func() {
		r.mu.Lock()
		*cancelled = true
		r.mu.Unlock()
	}, nil
}

func (r *recordingLots) sub(i int) recordedSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[i]
}

func (r *recordingLots) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func TestLateSnapshotFromSupersededSubscriptionIsDropped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register("Carlos", "carlos@farm.co", models.RoleFarmer)
	rec := &recordingLots{Store: e.db}
	c := e.client(rec)

	_, err := c.session.Login(ctx, "carlos@farm.co", "secret123")
	require.NoError(t, err)
	require.Equal(t, 1, rec.count())
	first := rec.sub(0)

	require.NoError(t, c.session.Logout(ctx))
	assert.True(t, *first.cancelled)

	first.onSnapshot([]models.Lot{{ID: "stale", FarmerID: "x"}})
	first.onError(errors.New("late failure"))

	snap := c.lots.Snapshot()
	assert.Nil(t, snap.UserLots)
	assert.NoError(t, snap.Err)
}

func TestSubscriptionErrorKeepsLastData(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register("Ana", "ana@grocer.com", models.RoleBuyer)
	rec := &recordingLots{Store: e.db}
	c := e.client(rec)
	_, err := c.session.Login(ctx, "ana@grocer.com", "secret123")
	require.NoError(t, err)

	sub := rec.sub(0)
	assert.Equal(t, store.LotQuery{Status: models.LotAvailable}, sub.query)
	assert.True(t, c.lots.Snapshot().Loading)

	sub.onSnapshot([]models.Lot{{ID: "a"}, {ID: "b"}})
	sub.onSnapshot([]models.Lot{{ID: "b"}})
	snap := c.lots.Snapshot()
	require.Len(t, snap.Lots, 1, "each snapshot replaces the list")
	assert.Equal(t, "b", snap.Lots[0].ID)

	boom := errors.New("permission denied")
	sub.onError(boom)
	snap = c.lots.Snapshot()
	assert.ErrorIs(t, snap.Err, boom)
	assert.False(t, snap.Loading)
	require.Len(t, snap.Lots, 1)

	sub.onSnapshot([]models.Lot{})
	snap = c.lots.Snapshot()
	assert.NoError(t, snap.Err)
	assert.Empty(t, snap.Lots)
}

func TestSubscribeFailureIsReported(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register("Ana", "ana@grocer.com", models.RoleBuyer)
	rec := &recordingLots{Store: e.db, err: errors.New("unavailable")}
	c := e.client(rec)

	_, err := c.session.Login(ctx, "ana@grocer.com", "secret123")
	require.NoError(t, err)
	snap := c.lots.Snapshot()
	assert.False(t, snap.Loading)
	assert.ErrorIs(t, snap.Err, apperr.ErrRemote)
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.client(nil)

	var mu sync.Mutex
	var seen []Snapshot
	unsub := c.lots.OnChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	_, err := c.session.Register(ctx, "Carlos", "carlos@farm.co", "secret123", models.RoleFarmer)
	require.NoError(t, err)
	_, err = c.lots.AddLot(ctx, tomato())
	require.NoError(t, err)
	unsub()
	require.NoError(t, c.session.Logout(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Len(t, last.UserLots, 1, "nothing is delivered after unsubscribe")
	assert.False(t, last.Loading)
}

func TestScopeFor(t *testing.T) {
	_, ok := ScopeFor(nil)
	assert.False(t, ok)

	q, ok := ScopeFor(&models.User{ID: "f1", Role: models.RoleFarmer})
	assert.True(t, ok)
	assert.Equal(t, store.LotQuery{FarmerID: "f1"}, q)

	q, ok = ScopeFor(&models.User{ID: "b1", Role: models.RoleBuyer})
	assert.True(t, ok)
	assert.Equal(t, store.LotQuery{Status: models.LotAvailable}, q)
}

func TestSearch(t *testing.T) {
	lots := []models.Lot{
		{ID: "1", ProductType: "Tomate", Location: "Boyacá", FarmerName: "Carlos"},
		{ID: "2", ProductType: "Papa", Location: "Nariño", FarmerName: "Lucía"},
		{ID: "3", ProductType: "Café", Location: "Huila", FarmerName: "Carlos"},
	}

	assert.Len(t, Search(lots, ""), 3)
	assert.Equal(t, "1", Search(lots, "toma")[0].ID)
	assert.Len(t, Search(lots, "CARLOS"), 2)
	assert.Equal(t, "2", Search(lots, "nariño")[0].ID)
	assert.Empty(t, Search(lots, "aguacate"))
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	carlos := e.register("Carlos", "carlos@farm.co", models.RoleFarmer)
	lot, err := carlos.lots.AddLot(ctx, tomato())
	require.NoError(t, err)

	got, err := Query(ctx, e.db, carlos.session.User())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, lot.ID, got[0].ID)

	got, err = Query(ctx, e.db, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
