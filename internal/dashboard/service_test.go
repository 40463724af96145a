package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/ledger"
)

// Wednesday.
var now = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	db       account.Account
	emptyDB  account.Account
	north    account.Account
	west     account.Account
	dormant  account.Account
	outsider account.Account
}

func newFixture(t *testing.T, monthlyTarget int64) fixture {
	t.Helper()
	ctx := context.Background()
	accounts := account.NewService(account.NewMemoryRepository()).WithHashCost(bcrypt.MinCost)
	admin, _, err := accounts.EnsureAdmin(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)

	create := func(parent account.Account, email, address string) account.Account {
		acc, err := accounts.CreateChild(ctx, parent, account.ChildInput{Name: email, Email: email, Password: "password1", Address: address})
		require.NoError(t, err)
		return acc
	}
	nd := create(admin, "nd@example.com", "")
	ss := create(nd, "ss@example.com", "")
	db := create(ss, "db@example.com", "")
	emptyDB := create(ss, "empty@example.com", "")
	north := create(db, "north@example.com", "North Market, stall 4")
	west := create(db, "west@example.com", "12 West Road")
	dormant := create(db, "dormant@example.com", "Somewhere")
	outsider := create(emptyDB, "outsider@example.com", "East Gate")
	dormant, err = accounts.SetChildStatus(ctx, db, dormant.ID, account.StatusInactive)
	require.NoError(t, err)
	// outsider's keys are seeded so emptyDB never distributes.
	_, err = accounts.SetChildStatus(ctx, emptyDB, outsider.ID, account.StatusBlocked)
	require.NoError(t, err)

	at := now
	l := ledger.NewInMemory(ledger.WithClock(func() time.Time { return at }))
	on := func(month time.Month, day, hour int) {
		at = time.Date(2025, month, day, hour, 0, 0, 0, time.UTC)
	}

	receive := func(count int64) {
		_, err := l.Receive(ctx, ledger.ReceiveInput{AccountID: db.ID, AccountName: db.Name, SourceID: ss.ID, SourceName: ss.Name, Count: count, BatchNumber: "B"})
		require.NoError(t, err)
	}
	distribute := func(to account.Account, count int64) {
		_, err := l.Transfer(ctx, ledger.TransferInput{FromID: db.ID, ToID: to.ID, FromName: db.Name, ToName: to.Name, Count: count, Type: ledger.TypeDistribute, Status: ledger.StatusPending})
		require.NoError(t, err)
	}
	activate := func(r account.Account, count int64) {
		_, err := l.Consume(ctx, ledger.ConsumeInput{AccountID: r.ID, AccountName: r.Name, Count: count})
		require.NoError(t, err)
	}

	on(time.February, 20, 9)
	receive(600)
	on(time.February, 25, 9)
	distribute(north, 100)
	on(time.March, 3, 9)
	distribute(north, 200)
	on(time.March, 5, 9)
	activate(north, 20)
	on(time.March, 11, 9)
	receive(400)
	on(time.March, 12, 8)
	distribute(west, 150)
	on(time.March, 11, 12)
	activate(west, 100)
	on(time.March, 12, 9)
	activate(north, 30)

	ledger.SeedBalance(l, outsider.ID, 100, 0)
	activate(outsider, 40)

	return fixture{
		svc:      NewService(accounts, l, monthlyTarget).WithClock(func() time.Time { return now }),
		db:       db,
		emptyDB:  emptyDB,
		north:    north,
		west:     west,
		dormant:  dormant,
		outsider: outsider,
	}
}

func TestWindowsAt(t *testing.T) {
	w := windowsAt(now)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), w.today)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), w.week)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), w.month)

	sunday := windowsAt(time.Date(2025, 3, 16, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), sunday.week)

	monday := windowsAt(time.Date(2025, 3, 10, 0, 0, 1, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), monday.week)

	// Week starts may fall in the previous month.
	early := windowsAt(time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), early.week)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), early.month)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, percent(5, 0, 1))
	assert.Equal(t, 45.0, percent(450, 1000, 1))
	assert.Equal(t, 33.3, percent(1, 3, 1))
	assert.Equal(t, 66.67, percent(2, 3, 2))
	assert.Equal(t, 116.67, percent(350, 300, 2))
	assert.Equal(t, 0.1, percent(1, 2000, 1))
}

func TestSummary(t *testing.T) {
	f := newFixture(t, 300)
	s, err := f.svc.Summary(context.Background(), f.db)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), s.AssignedKeys)
	assert.Equal(t, int64(450), s.UsedKeys)
	assert.Equal(t, int64(550), s.AvailableKeys)
	assert.Equal(t, 3, s.TotalRetailers)
	assert.Equal(t, 2, s.ActiveRetailers)
	assert.Equal(t, Periods{Today: 0, ThisWeek: 400, ThisMonth: 400}, s.Received)
	assert.Equal(t, Periods{Today: 150, ThisWeek: 150, ThisMonth: 350}, s.Distributed)
	assert.Equal(t, 45.0, s.DistributionRate)
}

func TestKeyStats(t *testing.T) {
	f := newFixture(t, 300)
	ks, err := f.svc.KeyStats(context.Background(), f.db)
	require.NoError(t, err)

	assert.Equal(t, int64(300), ks.MonthlyTarget)
	assert.Equal(t, int64(350), ks.DistributedThisMonth)
	assert.Equal(t, int64(-50), ks.Remaining)
	assert.Equal(t, 116.67, ks.Achievement)
	assert.Equal(t, 45.0, ks.Utilization)
	assert.Equal(t, int64(450), ks.DistributedKeys)

	zero := newFixture(t, 0)
	ks, err = zero.svc.KeyStats(context.Background(), zero.db)
	require.NoError(t, err)
	assert.Equal(t, 0.0, ks.Achievement)
	assert.Equal(t, int64(-350), ks.Remaining)
}

func TestActivationSummary(t *testing.T) {
	f := newFixture(t, 300)
	as, err := f.svc.ActivationSummary(context.Background(), f.db)
	require.NoError(t, err)

	assert.Equal(t, Periods{Today: 30, ThisWeek: 130, ThisMonth: 150}, as.Activated)
	assert.Equal(t, int64(150), as.TotalActivated)
	assert.Equal(t, int64(450), as.DistributedTotal)
	assert.Equal(t, 33.3, as.ActivationRate)
	require.Len(t, as.TopRetailers, 2)
	assert.Equal(t, RetailerTotal{RetailerID: f.west.ID, Name: f.west.Name, Total: 100}, as.TopRetailers[0])
	assert.Equal(t, f.north.ID, as.TopRetailers[1].RetailerID)
	assert.Equal(t, int64(50), as.TopRetailers[1].Total)
}

func TestActivationSummaryWithoutDistributions(t *testing.T) {
	f := newFixture(t, 300)

	// The blocked outsider still counts as a retailer of emptyDB.
	as, err := f.svc.ActivationSummary(context.Background(), f.emptyDB)
	require.NoError(t, err)
	assert.Equal(t, int64(40), as.TotalActivated)
	assert.Equal(t, 0.0, as.ActivationRate)
}

func TestTopRetailers(t *testing.T) {
	f := newFixture(t, 300)
	top, err := f.svc.TopRetailers(context.Background(), f.db)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, f.west.ID, top[0].RetailerID)
	for _, r := range top {
		assert.NotEqual(t, f.outsider.ID, r.RetailerID)
	}

	// A distributor without retailers sees none, not everyone.
	ctx := context.Background()
	lonely, err := f.svc.accounts.CreateChild(ctx, mustGet(t, f.svc, f.db.CreatedBy), account.ChildInput{Name: "Lonely", Email: "lonely@example.com", Password: "password1"})
	require.NoError(t, err)
	top, err = f.svc.TopRetailers(ctx, lonely)
	require.NoError(t, err)
	assert.NotNil(t, top)
	assert.Empty(t, top)
}

func TestRegionOf(t *testing.T) {
	cases := map[string]Region{
		"North Market, stall 4": RegionNorth,
		"northeast corridor":    RegionNorth,
		"SOUTHWEST plaza":       RegionSouth,
		"east gate":             RegionEast,
		"12 West Road":          RegionWest,
		"":                      RegionUnknown,
		"Central Avenue":        RegionUnknown,
	}
	for address, want := range cases {
		assert.Equal(t, want, RegionOf(address), address)
	}
}

func TestRegionalDistribution(t *testing.T) {
	f := newFixture(t, 300)
	shares, err := f.svc.RegionalDistribution(context.Background(), f.db)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	got := make(map[Region]RegionShare, len(shares))
	for _, s := range shares {
		got[s.Region] = s
	}
	assert.Equal(t, RegionNorth, shares[0].Region)
	assert.Equal(t, RegionUnknown, shares[4].Region)
	assert.Equal(t, 1, got[RegionNorth].Retailers)
	assert.Equal(t, 33.3, got[RegionNorth].Percentage)
	assert.Equal(t, 1, got[RegionWest].Retailers)
	assert.Equal(t, 1, got[RegionUnknown].Retailers)
	assert.Equal(t, 0, got[RegionSouth].Retailers)
	assert.Equal(t, 0.0, got[RegionEast].Percentage)
}

func mustGet(t *testing.T, s *Service, id string) account.Account {
	t.Helper()
	acc, err := s.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return acc
}
