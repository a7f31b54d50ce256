package trust

// Tier maps a minimum trust score to the maximum share of verified capacity
// a seller may offer.
type Tier struct {
	Name         string  `json:"name"`
	MinScore     float64 `json:"min_score"`
	LimitPercent int     `json:"limit_percent"`
}

// DefaultTiers, ordered by ascending MinScore.
var DefaultTiers = []Tier{
	{Name: "new", MinScore: 0, LimitPercent: 10},
	{Name: "probation", MinScore: 0.3, LimitPercent: 20},
	{Name: "established", MinScore: 0.5, LimitPercent: 40},
	{Name: "reliable", MinScore: 0.7, LimitPercent: 60},
	{Name: "trusted", MinScore: 0.85, LimitPercent: 80},
	{Name: "verified", MinScore: 0.95, LimitPercent: 100},
}

// TierFor returns the highest tier whose MinScore the score reaches.
func (e *Engine) TierFor(score float64) Tier {
	score = Clamp(score)
	t := e.tiers[0]
	for _, tier := range e.tiers {
		if score >= tier.MinScore {
			t = tier
		}
	}
	return t
}

// AllowedLimit returns the trade limit in percent of capacity. An externally
// verified solar limit acts as a floor.
func (e *Engine) AllowedLimit(score float64, solarLimit *int) int {
	limit := e.TierFor(score).LimitPercent
	if solarLimit != nil && *solarLimit > limit {
		limit = *solarLimit
		if limit > 100 {
			limit = 100
		}
	}
	return limit
}
