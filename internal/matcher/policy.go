package matcher

// Action is what a policy does with a candidate that fails a check.
type Action int

const (
	// Exclude drops the candidate.
	Exclude Action = iota
	// Penalize keeps the candidate and adds the rule's penalty to its score.
	Penalize
	// Ignore keeps the candidate untouched.
	Ignore
)

// Check names one per-candidate test.
type Check int

const (
	CheckSeatsUnknown Check = iota
	CheckNoSeats
	CheckDateMissing
	CheckDateWindow
	CheckRouteMissing
	CheckWaypoints
	CheckPickup
	CheckDestination
	CheckStopsOrder
)

var checkNames = [...]string{
	CheckSeatsUnknown: "seats_unknown",
	CheckNoSeats:      "no_seats",
	CheckDateMissing:  "date_missing",
	CheckDateWindow:   "date_window",
	CheckRouteMissing: "route_missing",
	CheckWaypoints:    "waypoints",
	CheckPickup:       "pickup",
	CheckDestination:  "destination",
	CheckStopsOrder:   "stops_order",
}

func (c Check) String() string {
	if int(c) < len(checkNames) {
		return checkNames[c]
	}
	return "unknown"
}

type Rule struct {
	Action  Action
	Penalty float64
}

// Defaults fill Criteria fields left at zero.
type Defaults struct {
	DateToleranceHours      float64
	PickupRadiusMeters      float64
	DestRadiusMeters        float64
	MaxResults              int
	WaypointToleranceMeters float64
	StopToleranceMeters     float64
}

// Policy drives a Finder. Checks without a rule exclude.
type Policy struct {
	Name  string
	Rules map[Check]Rule
	// Ranked sorts results by ascending score. Unranked results keep store order.
	Ranked bool
	// Prune fetches candidates through the geo prune pass instead of a plain
	// recent-rides scan capped at MaxResults.
	Prune    bool
	Defaults Defaults
}

func (p Policy) rule(c Check) Rule {
	if r, ok := p.Rules[c]; ok {
		return r
	}
	return Rule{Action: Exclude}
}

// Penalties are the score weights the permissive policy adds for missing
// seat information.
type Penalties struct {
	UnknownSeats float64
	NoSeats      float64
}

// DefaultPenalties match the weight rides have always been scored with.
var DefaultPenalties = Penalties{UnknownSeats: 1000, NoSeats: 1000}

// StrictPolicy excludes on every failed check. Unknown seat counts are not
// held against a ride and results are returned in store order.
func StrictPolicy() Policy {
	return Policy{
		Name:  "strict",
		Rules: map[Check]Rule{CheckSeatsUnknown: {Action: Ignore}},
		Defaults: Defaults{
			DateToleranceHours: 2,
			PickupRadiusMeters: 800,
			DestRadiusMeters:   800,
			MaxResults:         50,
		},
	}
}

// PermissivePolicy scores candidates instead of dropping them when
// permissive is true. With permissive false every check excludes, except
// unknown seats which are always only penalized.
func PermissivePolicy(permissive bool, pen Penalties) Policy {
	p := Policy{
		Name:   "permissive",
		Ranked: true,
		Prune:  true,
		Rules:  map[Check]Rule{CheckSeatsUnknown: {Action: Penalize, Penalty: pen.UnknownSeats}},
		Defaults: Defaults{
			DateToleranceHours:      6,
			PickupRadiusMeters:      8000,
			DestRadiusMeters:        8000,
			MaxResults:              50,
			WaypointToleranceMeters: 800,
			StopToleranceMeters:     800,
		},
	}
	if !permissive {
		p.Name = "permissive_forced"
		return p
	}
	p.Rules[CheckNoSeats] = Rule{Action: Penalize, Penalty: pen.NoSeats}
	for _, c := range []Check{CheckDateMissing, CheckDateWindow, CheckRouteMissing, CheckWaypoints, CheckPickup, CheckDestination, CheckStopsOrder} {
		p.Rules[c] = Rule{Action: Penalize}
	}
	return p
}
