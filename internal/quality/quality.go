package quality

import (
	"fmt"
	"time"

	"nodie/internal/model"
)

// Default policy constants. The authoritative values live server-side;
// these are the published tiers and can be overridden in config.
const (
	DefaultGoodThresholdMbps     = 30.0
	DefaultGoodRate              = 0.5
	DefaultBadRate               = 0.1
	DefaultResidentialMultiplier = 1.0
	DefaultDatacenterMultiplier  = 0.3
)

// Policy holds the reward curve: tier threshold, per-tier base rate in
// points per minute and multipliers for the resolved IP classes.
type Policy struct {
	GoodThresholdMbps     float64 `yaml:"good_threshold_mbps" mapstructure:"good_threshold_mbps"`
	GoodRate              float64 `yaml:"good_rate" mapstructure:"good_rate"`
	BadRate               float64 `yaml:"bad_rate" mapstructure:"bad_rate"`
	ResidentialMultiplier float64 `yaml:"residential_multiplier" mapstructure:"residential_multiplier"`
	DatacenterMultiplier  float64 `yaml:"datacenter_multiplier" mapstructure:"datacenter_multiplier"`
}

// DefaultPolicy returns the published reward curve.
func DefaultPolicy() Policy {
	return Policy{
		GoodThresholdMbps:     DefaultGoodThresholdMbps,
		GoodRate:              DefaultGoodRate,
		BadRate:               DefaultBadRate,
		ResidentialMultiplier: DefaultResidentialMultiplier,
		DatacenterMultiplier:  DefaultDatacenterMultiplier,
	}
}

// Validate rejects policies that could produce negative accrual.
func (p Policy) Validate() error {
	if p.GoodThresholdMbps <= 0 {
		return fmt.Errorf("policy.good_threshold_mbps must be > 0")
	}
	for name, v := range map[string]float64{
		"good_rate":              p.GoodRate,
		"bad_rate":               p.BadRate,
		"residential_multiplier": p.ResidentialMultiplier,
		"datacenter_multiplier":  p.DatacenterMultiplier,
	} {
		if v < 0 {
			return fmt.Errorf("policy.%s must be >= 0", name)
		}
	}
	return nil
}

// Tier classifies a sample. The threshold is inclusive on the Good side.
func (p Policy) Tier(sample model.SpeedSample) model.Tier {
	if sample.DownloadMbps() >= p.GoodThresholdMbps {
		return model.TierGood
	}
	return model.TierBad
}

// Multiplier returns the IP-class multiplier. An unresolved class never
// accrues.
func (p Policy) Multiplier(class model.IPClass) float64 {
	switch class {
	case model.IPResidential:
		return p.ResidentialMultiplier
	case model.IPDatacenter:
		return p.DatacenterMultiplier
	default:
		return 0
	}
}

// BaseRate returns the points-per-minute rate of a tier.
func (p Policy) BaseRate(tier model.Tier) float64 {
	if tier == model.TierGood {
		return p.GoodRate
	}
	return p.BadRate
}

// Classify maps a sample and the node's IP metadata onto a tier and a
// rate multiplier. Tier and multiplier are independent axes.
func (p Policy) Classify(sample model.SpeedSample, ip model.IPMetadata) (model.Tier, float64) {
	return p.Tier(sample), p.Multiplier(ip.Class)
}

// Points returns the points earned over d at the given tier and multiplier.
func (p Policy) Points(d time.Duration, tier model.Tier, multiplier float64) float64 {
	if d <= 0 {
		return 0
	}
	return d.Minutes() * p.BaseRate(tier) * multiplier
}

// Classify applies the default policy.
func Classify(sample model.SpeedSample, ip model.IPMetadata) (model.Tier, float64) {
	return DefaultPolicy().Classify(sample, ip)
}
