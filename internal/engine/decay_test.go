package engine

import (
	"math"
	"testing"
	"time"
)

func TestRecencyScore_Fresh(t *testing.T) {
	now := time.Now()
	score := recencyScore(now, now, nil)
	if score < 0.99 || score > 1.0 {
		t.Errorf("fresh node should score near 1.0, got %f", score)
	}
}

func TestRecencyScore_HalfLife(t *testing.T) {
	now := time.Now()
	created := now.Add(-60 * 24 * time.Hour)
	score := recencyScore(now, created, nil)
	if math.Abs(score-0.5) > 0.01 {
		t.Errorf("60-day-old node should score about 0.5, got %f", score)
	}
}

func TestRecencyScore_UsesLastAccess(t *testing.T) {
	now := time.Now()
	created := now.Add(-120 * 24 * time.Hour)
	accessed := now.Add(-time.Hour)

	withAccess := recencyScore(now, created, &accessed)
	withoutAccess := recencyScore(now, created, nil)
	if withAccess <= withoutAccess {
		t.Errorf("recent access should raise recency: %f <= %f", withAccess, withoutAccess)
	}
}

func TestRecencyScore_FutureClampsToOne(t *testing.T) {
	now := time.Now()
	if score := recencyScore(now, now.Add(time.Hour), nil); score != 1.0 {
		t.Errorf("future timestamps should score 1.0, got %f", score)
	}
}

func TestUsageScore(t *testing.T) {
	if s := usageScore(0); s != 0 {
		t.Errorf("no access should score 0, got %f", s)
	}
	if usageScore(1) >= usageScore(10) {
		t.Error("usage should grow with access count")
	}
	if s := usageScore(50); math.Abs(s-1.0) > 1e-9 {
		t.Errorf("usage should saturate at 1.0, got %f", s)
	}
	if s := usageScore(5000); s != 1.0 {
		t.Errorf("usage should be capped at 1.0, got %f", s)
	}
}
