package model

import (
	"sort"
	"time"
)

const (
	PlanFree    = "free"
	PlanPremium = "premium"
)

// Profile is the mutable per-user state the assistant reasons about.
type Profile struct {
	UserID              int64      `json:"user_id" db:"user_id"`
	Name                *string    `json:"name,omitempty" db:"name"`
	Gender              *string    `json:"gender,omitempty" db:"gender"`
	Timezone            *string    `json:"timezone,omitempty" db:"timezone"`
	RelationshipLevel   int        `json:"relationship_level" db:"relationship_level"`
	RelationshipScore   int        `json:"relationship_score" db:"relationship_score"`
	LevelUnlockedAt     time.Time  `json:"level_unlocked_at" db:"level_unlocked_at"`
	SubscriptionPlan    string     `json:"subscription_plan" db:"subscription_plan"`
	SubscriptionExpires *time.Time `json:"subscription_expires,omitempty" db:"subscription_expires"`
	DailyMessageCount   int        `json:"daily_message_count" db:"daily_message_count"`
	LastMessageDate     *time.Time `json:"last_message_date,omitempty" db:"last_message_date"`

	// IsNew marks a default profile synthesized for a first-contact user.
	IsNew bool `json:"-" db:"-"`
}

// NewUserProfile returns the defaults for a user the store has never seen.
func NewUserProfile(userID int64, now time.Time) *Profile {
	return &Profile{
		UserID:            userID,
		RelationshipLevel: 1,
		LevelUnlockedAt:   now,
		SubscriptionPlan:  PlanFree,
		IsNew:             true,
	}
}

func (p *Profile) IsPremium(now time.Time) bool {
	if p == nil || p.SubscriptionPlan == "" || p.SubscriptionPlan == PlanFree {
		return false
	}
	return p.SubscriptionExpires == nil || p.SubscriptionExpires.After(now)
}

func (p *Profile) DisplayName() string {
	if p == nil || p.Name == nil {
		return ""
	}
	return *p.Name
}

func (p *Profile) TimezoneName() string {
	if p == nil || p.Timezone == nil {
		return ""
	}
	return *p.Timezone
}

// RelationshipLevel describes one rung of the relationship ladder.
type RelationshipLevel struct {
	Level    int
	Name     string
	MinScore int
	// MinDays is how long the user must stay on this level before the next unlocks.
	MinDays int
	Paid    bool
}

var relationshipLevels = []RelationshipLevel{
	{Level: 1, Name: "acquaintance", MinScore: 0, MinDays: 0},
	{Level: 2, Name: "friend", MinScore: 50, MinDays: 1},
	{Level: 3, Name: "close friend", MinScore: 150, MinDays: 3},
	{Level: 4, Name: "confidant", MinScore: 400, MinDays: 7, Paid: true},
}

func LevelConfig(level int) (RelationshipLevel, bool) {
	i := sort.Search(len(relationshipLevels), func(i int) bool { return relationshipLevels[i].Level >= level })
	if i < len(relationshipLevels) && relationshipLevels[i].Level == level {
		return relationshipLevels[i], true
	}
	return RelationshipLevel{}, false
}

func MaxRelationshipLevel() int {
	return relationshipLevels[len(relationshipLevels)-1].Level
}

type LevelOutcome string

const (
	LevelUnchanged         LevelOutcome = "unchanged"
	LevelUp                LevelOutcome = "level_up"
	LevelOfferSubscription LevelOutcome = "offer_subscription"
)

// NextLevel evaluates whether a profile with the given score qualifies for the
// next relationship level at now.
func (p *Profile) NextLevel(score int, now time.Time) (int, LevelOutcome) {
	current := p.RelationshipLevel
	if current >= MaxRelationshipLevel() {
		return current, LevelUnchanged
	}
	next, ok := LevelConfig(current + 1)
	if !ok {
		return current, LevelUnchanged
	}
	cur, _ := LevelConfig(current)
	if next.Paid && !p.IsPremium(now) {
		if score >= next.MinScore {
			return current, LevelOfferSubscription
		}
		return current, LevelUnchanged
	}
	if score < next.MinScore {
		return current, LevelUnchanged
	}
	if now.Sub(p.LevelUnlockedAt) < time.Duration(cur.MinDays)*24*time.Hour {
		return current, LevelUnchanged
	}
	return next.Level, LevelUp
}
