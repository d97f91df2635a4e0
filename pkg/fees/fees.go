package fees

import (
	"encoding/json"
	"fmt"
)

// MaxAmount is the largest token amount representable by the token protocol.
const MaxAmount uint64 = 9007199254740991

// Tier applies Fee to every input total in the closed range [Min, Max].
type Tier struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
	Fee uint64 `json:"fee"`
}

// Policy is an ordered list of tiers partitioning [0, MaxAmount].
type Policy struct {
	tiers  []Tier
	maxFee uint64
}

var DefaultTiers = []Tier{
	{Min: 0, Max: 1_000_000, Fee: 100},
	{Min: 1_000_001, Max: MaxAmount, Fee: 1000},
}

// DefaultPolicy returns the policy built from DefaultTiers.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultTiers)
	if err != nil {
		panic(err)
	}
	return p
}

func NewPolicy(tiers []Tier) (*Policy, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("missing fee tiers")
	}
	if tiers[0].Min != 0 {
		return nil, fmt.Errorf("first fee tier must start at 0, got %d", tiers[0].Min)
	}

	var maxFee uint64
	for i, tier := range tiers {
		if tier.Max < tier.Min {
			return nil, fmt.Errorf("fee tier %d: max %d is lower than min %d", i, tier.Max, tier.Min)
		}
		if i > 0 {
			prev := tiers[i-1]
			if tier.Min <= prev.Max {
				return nil, fmt.Errorf("fee tier %d overlaps with tier %d", i, i-1)
			}
			if tier.Min != prev.Max+1 {
				return nil, fmt.Errorf("gap between fee tiers %d and %d", i-1, i)
			}
			if tier.Fee < prev.Fee {
				return nil, fmt.Errorf("fee tier %d has a lower fee than tier %d", i, i-1)
			}
		}
		if tier.Fee > maxFee {
			maxFee = tier.Fee
		}
	}
	if last := tiers[len(tiers)-1]; last.Max != MaxAmount {
		return nil, fmt.Errorf("last fee tier must end at %d, got %d", MaxAmount, last.Max)
	}

	return &Policy{
		tiers:  append([]Tier(nil), tiers...),
		maxFee: maxFee,
	}, nil
}

// ParsePolicy builds a policy from its JSON form, a list of {min, max, fee}.
func ParsePolicy(buf []byte) (*Policy, error) {
	var tiers []Tier
	if err := json.Unmarshal(buf, &tiers); err != nil {
		return nil, fmt.Errorf("invalid fee tiers: %w", err)
	}
	return NewPolicy(tiers)
}

// FeeFor returns the fee owed for a transfer consuming the given input total.
// Querying an amount outside [0, MaxAmount] is a programming error and panics.
func (p *Policy) FeeFor(units uint64) uint64 {
	for _, tier := range p.tiers {
		if units >= tier.Min && units <= tier.Max {
			return tier.Fee
		}
	}
	panic(fmt.Sprintf("fee policy: amount %d outside of domain [0, %d]", units, MaxAmount))
}

// MaxFee is the highest fee any input total can be charged.
func (p *Policy) MaxFee() uint64 {
	return p.maxFee
}

func (p *Policy) Tiers() []Tier {
	return append([]Tier(nil), p.tiers...)
}

func (p *Policy) String() string {
	buf, _ := json.Marshal(p.tiers)
	return string(buf)
}
