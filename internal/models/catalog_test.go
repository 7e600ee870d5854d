package models

import (
	"testing"
	"time"

	"github.com/withmagi/magi/pkg/models"
)

func testEntry(id string, class Class, score int) *Entry {
	return &Entry{
		ID:       id,
		Provider: ProviderTest,
		Class:    class,
		Score:    score,
		Features: Features{ToolUse: true, Streaming: true},
		Pricing:  Pricing{InputPerMillion: 1, OutputPerMillion: 2},
	}
}

func TestFindResolvesAliases(t *testing.T) {
	c := NewEmptyCatalog()
	e := testEntry("model-a", ClassStandard, 10)
	e.Aliases = []string{"model-a-latest"}
	c.Register(e)

	if got := c.Find("model-a"); got == nil || got.ID != "model-a" {
		t.Errorf("exact lookup = %v", got)
	}
	if got := c.Find("model-a-latest"); got == nil || got.ID != "model-a" {
		t.Errorf("alias lookup = %v", got)
	}
	if got := c.Find("missing"); got != nil {
		t.Errorf("unknown model = %v", got)
	}
}

func TestSelectFromClassSkipsDisabledAndExcluded(t *testing.T) {
	c := NewEmptyCatalog()
	c.Register(testEntry("a", ClassStandard, 10))
	c.Register(testEntry("b", ClassStandard, 10))
	c.SetRandSource(func(n int) int { return 0 })

	c.Disable("a")
	got, err := c.SelectFromClass(ClassStandard, nil)
	if err != nil || got.ID != "b" {
		t.Fatalf("got %v, %v", got, err)
	}

	_, err = c.SelectFromClass(ClassStandard, map[string]bool{"b": true})
	if err != ErrNoModel {
		t.Errorf("err = %v, want ErrNoModel", err)
	}

	c.Enable("a")
	got, err = c.SelectFromClass(ClassStandard, map[string]bool{"b": true})
	if err != nil || got.ID != "a" {
		t.Errorf("after re-enable got %v, %v", got, err)
	}
}

func TestApplyIntelligence(t *testing.T) {
	if got := ApplyIntelligence(ClassStandard, IntelligenceLow); got != ClassMini {
		t.Errorf("low = %s", got)
	}
	if got := ApplyIntelligence(ClassMini, IntelligenceHigh); got != ClassReasoning {
		t.Errorf("high = %s", got)
	}
	if got := ApplyIntelligence(ClassStandard, IntelligenceStandard); got != ClassStandard {
		t.Errorf("standard = %s", got)
	}
	if got := ApplyIntelligence(ClassVision, ""); got != ClassVision {
		t.Errorf("empty hint = %s", got)
	}
}

func TestFlatPricing(t *testing.T) {
	c := NewEmptyCatalog()
	c.Register(testEntry("flat", ClassStandard, 1))

	cost := c.CalculateCost(&models.CostUsage{
		Model:        "flat",
		InputTokens:  1_000_000,
		OutputTokens: 500_000,
	}, time.Now())
	if cost != 2.0 {
		t.Errorf("cost = %v, want 2.0", cost)
	}
}

func TestTieredPricing(t *testing.T) {
	c := NewEmptyCatalog()
	e := testEntry("tiered", ClassStandard, 1)
	e.Pricing = Pricing{
		InputPerMillion:      3,
		OutputPerMillion:     15,
		Threshold:            200_000,
		InputAboveThreshold:  6,
		OutputAboveThreshold: 30,
	}
	c.Register(e)

	below := c.CalculateCost(&models.CostUsage{Model: "tiered", InputTokens: 100_000, OutputTokens: 10_000}, time.Now())
	if below != 0.3+0.15 {
		t.Errorf("below threshold = %v", below)
	}
	above := c.CalculateCost(&models.CostUsage{Model: "tiered", InputTokens: 300_000, OutputTokens: 10_000}, time.Now())
	if above != 1.8+0.3 {
		t.Errorf("above threshold = %v", above)
	}
}

func TestTimeOfDayPricing(t *testing.T) {
	c := NewEmptyCatalog()
	e := testEntry("tod", ClassMini, 1)
	e.Pricing = Pricing{
		PeakStartUTC: 8, PeakEndUTC: 20,
		PeakInput: 1, PeakOutput: 2,
		OffPeakInput: 0.5, OffPeakOutput: 1,
	}
	c.Register(e)

	usage := &models.CostUsage{Model: "tod", InputTokens: 1_000_000}
	peak := c.CalculateCost(usage, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	if peak != 1.0 {
		t.Errorf("peak = %v", peak)
	}
	off := c.CalculateCost(usage, time.Date(2026, 1, 10, 22, 0, 0, 0, time.UTC))
	if off != 0.5 {
		t.Errorf("off-peak = %v", off)
	}
}

func TestPeakWindowWrapsMidnight(t *testing.T) {
	if !inPeakWindow(time.Date(2026, 1, 10, 23, 0, 0, 0, time.UTC), 22, 4) {
		t.Error("23h should be inside a 22-4 window")
	}
	if !inPeakWindow(time.Date(2026, 1, 10, 2, 0, 0, 0, time.UTC), 22, 4) {
		t.Error("2h should be inside a 22-4 window")
	}
	if inPeakWindow(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), 22, 4) {
		t.Error("12h should be outside a 22-4 window")
	}
}

func TestFreeTierAndUnknownModelCostZero(t *testing.T) {
	c := NewCatalog()
	free := c.CalculateCost(&models.CostUsage{Model: "gpt-4o", InputTokens: 1_000_000, IsFreeTier: true}, time.Now())
	if free != 0 {
		t.Errorf("free tier = %v", free)
	}
	unknown := c.CalculateCost(&models.CostUsage{Model: "no-such-model", InputTokens: 1_000_000}, time.Now())
	if unknown != 0 {
		t.Errorf("unknown model = %v", unknown)
	}
}

func TestImageAndCachedPricing(t *testing.T) {
	c := NewEmptyCatalog()
	e := testEntry("img", ClassVision, 1)
	e.Pricing = Pricing{InputPerMillion: 1, OutputPerMillion: 1, CachedPerMillion: 0.5, PerImage: 0.01}
	c.Register(e)

	cost := c.CalculateCost(&models.CostUsage{
		Model:        "img",
		InputTokens:  1_000_000,
		CachedTokens: 1_000_000,
		ImageCount:   3,
	}, time.Now())
	if diff := cost - 1.53; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want 1.53", cost)
	}
}
