package dashboard

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/ledger"
)

const topRetailerCount = 3

// Service computes the distributor dashboards from the ledger.
type Service struct {
	accounts      *account.Service
	ledger        ledger.Ledger
	monthlyTarget int64
	now           func() time.Time
}

func NewService(accounts *account.Service, l ledger.Ledger, monthlyTarget int64) *Service {
	return &Service{accounts: accounts, ledger: l, monthlyTarget: monthlyTarget, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// windows are the UTC starts of the current day, ISO week and month.
type windows struct {
	today time.Time
	week  time.Time
	month time.Time
}

func windowsAt(now time.Time) windows {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	sinceMonday := (int(today.Weekday()) + 6) % 7
	return windows{
		today: today,
		week:  today.AddDate(0, 0, -sinceMonday),
		month: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
	}
}

// percent returns num/den*100 rounded half away from zero to places
// decimals, or 0 when den is 0.
func percent(num, den int64, places int32) float64 {
	if den == 0 {
		return 0
	}
	return decimal.NewFromInt(num).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(den)).
		Round(places).
		InexactFloat64()
}

type Periods struct {
	Today     int64 `json:"today"`
	ThisWeek  int64 `json:"thisWeek"`
	ThisMonth int64 `json:"thisMonth"`
}

type Summary struct {
	AssignedKeys     int64   `json:"assignedKeys"`
	UsedKeys         int64   `json:"usedKeys"`
	AvailableKeys    int64   `json:"availableKeys"`
	TotalRetailers   int     `json:"totalRetailers"`
	ActiveRetailers  int     `json:"activeRetailers"`
	Received         Periods `json:"received"`
	Distributed      Periods `json:"distributed"`
	DistributionRate float64 `json:"distributionRate"`
}

// Summary reports the distributor's balance and recent movement totals.
func (s *Service) Summary(ctx context.Context, db account.Account) (Summary, error) {
	b, err := s.ledger.Balance(ctx, db.ID)
	if err != nil {
		return Summary{}, err
	}
	retailers, err := s.retailers(ctx, db)
	if err != nil {
		return Summary{}, err
	}
	w := windowsAt(s.now())

	received, err := s.periods(ctx, db.ID, ledger.DirectionIn, ledger.TypeReceive, w)
	if err != nil {
		return Summary{}, err
	}
	distributed, err := s.periods(ctx, db.ID, ledger.DirectionOut, ledger.TypeDistribute, w)
	if err != nil {
		return Summary{}, err
	}

	active := 0
	for _, r := range retailers {
		if r.IsActive() {
			active++
		}
	}
	return Summary{
		AssignedKeys:     b.Assigned,
		UsedKeys:         b.Used,
		AvailableKeys:    b.Available(),
		TotalRetailers:   len(retailers),
		ActiveRetailers:  active,
		Received:         received,
		Distributed:      distributed,
		DistributionRate: percent(b.Used, b.Assigned, 1),
	}, nil
}

type KeyStats struct {
	AssignedKeys         int64   `json:"assignedKeys"`
	DistributedKeys      int64   `json:"distributedKeys"`
	AvailableKeys        int64   `json:"availableKeys"`
	MonthlyTarget        int64   `json:"monthlyTarget"`
	DistributedThisMonth int64   `json:"distributedThisMonth"`
	Remaining            int64   `json:"remaining"`
	Achievement          float64 `json:"achievement"`
	Utilization          float64 `json:"utilization"`
}

// KeyStats compares this month's distribution against the monthly target.
// Remaining goes negative once the target is exceeded.
func (s *Service) KeyStats(ctx context.Context, db account.Account) (KeyStats, error) {
	b, err := s.ledger.Balance(ctx, db.ID)
	if err != nil {
		return KeyStats{}, err
	}
	w := windowsAt(s.now())
	month, err := s.ledger.Sum(ctx, ledger.SumQuery{
		AccountID: db.ID,
		Direction: ledger.DirectionOut,
		Types:     []ledger.Type{ledger.TypeDistribute},
		From:      w.month,
	})
	if err != nil {
		return KeyStats{}, err
	}
	return KeyStats{
		AssignedKeys:         b.Assigned,
		DistributedKeys:      b.Used,
		AvailableKeys:        b.Available(),
		MonthlyTarget:        s.monthlyTarget,
		DistributedThisMonth: month,
		Remaining:            s.monthlyTarget - month,
		Achievement:          percent(month, s.monthlyTarget, 2),
		Utilization:          percent(b.Used, b.Assigned, 2),
	}, nil
}

type RetailerTotal struct {
	RetailerID string `json:"retailerId"`
	Name       string `json:"name"`
	Total      int64  `json:"total"`
}

type ActivationSummary struct {
	Activated        Periods         `json:"activated"`
	TotalActivated   int64           `json:"totalActivated"`
	DistributedTotal int64           `json:"distributedTotal"`
	ActivationRate   float64         `json:"activationRate"`
	TopRetailers     []RetailerTotal `json:"topRetailers"`
}

// ActivationSummary reports how many distributed keys the distributor's
// retailers have activated.
func (s *Service) ActivationSummary(ctx context.Context, db account.Account) (ActivationSummary, error) {
	retailers, err := s.retailers(ctx, db)
	if err != nil {
		return ActivationSummary{}, err
	}
	ids := retailerIDs(retailers)
	w := windowsAt(s.now())

	activated := func(from time.Time) (int64, error) {
		totals, err := s.ledger.TopSenders(ctx, ledger.TopQuery{Type: ledger.TypeActivate, SenderIDs: ids, From: from})
		if err != nil {
			return 0, err
		}
		var sum int64
		for _, t := range totals {
			sum += t.Total
		}
		return sum, nil
	}

	var out ActivationSummary
	if out.Activated.Today, err = activated(w.today); err != nil {
		return ActivationSummary{}, err
	}
	if out.Activated.ThisWeek, err = activated(w.week); err != nil {
		return ActivationSummary{}, err
	}
	if out.Activated.ThisMonth, err = activated(w.month); err != nil {
		return ActivationSummary{}, err
	}
	if out.TotalActivated, err = activated(time.Time{}); err != nil {
		return ActivationSummary{}, err
	}
	out.DistributedTotal, err = s.ledger.Sum(ctx, ledger.SumQuery{
		AccountID: db.ID,
		Direction: ledger.DirectionOut,
		Types:     []ledger.Type{ledger.TypeDistribute},
	})
	if err != nil {
		return ActivationSummary{}, err
	}
	out.ActivationRate = percent(out.TotalActivated, out.DistributedTotal, 1)
	if out.TopRetailers, err = s.top(ctx, ids); err != nil {
		return ActivationSummary{}, err
	}
	return out, nil
}

// TopRetailers ranks the distributor's retailers by keys activated.
func (s *Service) TopRetailers(ctx context.Context, db account.Account) ([]RetailerTotal, error) {
	retailers, err := s.retailers(ctx, db)
	if err != nil {
		return nil, err
	}
	return s.top(ctx, retailerIDs(retailers))
}

func (s *Service) top(ctx context.Context, ids []string) ([]RetailerTotal, error) {
	totals, err := s.ledger.TopSenders(ctx, ledger.TopQuery{Type: ledger.TypeActivate, SenderIDs: ids, Limit: topRetailerCount})
	if err != nil {
		return nil, err
	}
	out := make([]RetailerTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, RetailerTotal{RetailerID: t.AccountID, Name: t.Name, Total: t.Total})
	}
	return out, nil
}

// Region is a coarse retailer location derived from the address text.
type Region string

const (
	RegionNorth   Region = "north"
	RegionSouth   Region = "south"
	RegionEast    Region = "east"
	RegionWest    Region = "west"
	RegionUnknown Region = "unknown"
)

var regions = []Region{RegionNorth, RegionSouth, RegionEast, RegionWest, RegionUnknown}

// RegionOf returns the first cardinal direction named in address.
func RegionOf(address string) Region {
	lower := strings.ToLower(address)
	for _, r := range regions[:4] {
		if strings.Contains(lower, string(r)) {
			return r
		}
	}
	return RegionUnknown
}

type RegionShare struct {
	Region     Region  `json:"region"`
	Retailers  int     `json:"retailers"`
	Percentage float64 `json:"percentage"`
}

// RegionalDistribution buckets the distributor's retailers by region.
func (s *Service) RegionalDistribution(ctx context.Context, db account.Account) ([]RegionShare, error) {
	retailers, err := s.retailers(ctx, db)
	if err != nil {
		return nil, err
	}
	counts := make(map[Region]int, len(regions))
	for _, r := range retailers {
		counts[RegionOf(r.Address)]++
	}
	out := make([]RegionShare, 0, len(regions))
	for _, region := range regions {
		out = append(out, RegionShare{
			Region:     region,
			Retailers:  counts[region],
			Percentage: percent(int64(counts[region]), int64(len(retailers)), 1),
		})
	}
	return out, nil
}

func (s *Service) periods(ctx context.Context, accountID string, d ledger.Direction, t ledger.Type, w windows) (Periods, error) {
	var p Periods
	for _, slot := range []struct {
		from time.Time
		dst  *int64
	}{
		{w.today, &p.Today},
		{w.week, &p.ThisWeek},
		{w.month, &p.ThisMonth},
	} {
		total, err := s.ledger.Sum(ctx, ledger.SumQuery{AccountID: accountID, Direction: d, Types: []ledger.Type{t}, From: slot.from})
		if err != nil {
			return Periods{}, err
		}
		*slot.dst = total
	}
	return p, nil
}

func (s *Service) retailers(ctx context.Context, db account.Account) ([]account.Account, error) {
	children, err := s.accounts.Children(ctx, db.ID)
	if err != nil {
		return nil, err
	}
	out := make([]account.Account, 0, len(children))
	for _, c := range children {
		if c.Role == account.RoleRetailer {
			out = append(out, c)
		}
	}
	return out, nil
}

// retailerIDs never returns nil so an empty list filters out every sender.
func retailerIDs(retailers []account.Account) []string {
	ids := make([]string, 0, len(retailers))
	for _, r := range retailers {
		ids = append(ids, r.ID)
	}
	return ids
}
