package stats_test

import (
	"math"
	"testing"

	"github.com/m-lab/qof/stats"
)

func TestStreamStatsBasic(t *testing.T) {
	var v stats.StreamStats
	if v.Variance() != 0 {
		t.Errorf("empty variance = %v, want 0", v.Variance())
	}

	for _, x := range []uint32{2, 4, 4, 4, 5, 5, 7, 9} {
		v.Add(x)
	}
	if v.Min != 2 || v.Max != 9 {
		t.Errorf("min/max = %d/%d, want 2/9", v.Min, v.Max)
	}
	if math.Abs(v.Mean()-5.0) > 1e-9 {
		t.Errorf("mean = %v, want 5", v.Mean())
	}
	// Population variance for this dataset is 4; sample variance (n-1) is 32/7.
	want := 32.0 / 7.0
	if math.Abs(v.Variance()-want) > 1e-9 {
		t.Errorf("variance = %v, want %v", v.Variance(), want)
	}
	if math.Abs(v.Stdev()-math.Sqrt(want)) > 1e-9 {
		t.Errorf("stdev = %v, want %v", v.Stdev(), math.Sqrt(want))
	}
}

func TestStreamStatsSingleSample(t *testing.T) {
	var v stats.StreamStats
	v.Add(42)
	if v.Variance() != 0 {
		t.Errorf("variance with n=1 = %v, want 0", v.Variance())
	}
	if v.Min != 42 || v.Max != 42 || v.Mean() != 42 {
		t.Errorf("single sample stats wrong: %+v", v)
	}
}

func TestStreamStatsReset(t *testing.T) {
	var v stats.StreamStats
	v.Add(10)
	v.Add(20)
	v.Reset()
	if v.N != 0 || v.Mean() != 0 {
		t.Errorf("reset did not zero accumulator: %+v", v)
	}
}

func TestLinearSmoothedSeedsOnFirstSample(t *testing.T) {
	l := stats.NewLinearSmoothed(8)
	l.Add(100)
	if l.Value != 100 {
		t.Errorf("first sample = %d, want 100", l.Value)
	}
	l.Add(108)
	want := uint32((100*(8-1) + 108) / 8)
	if l.Value != want {
		t.Errorf("smoothed value = %d, want %d", l.Value, want)
	}
}

func TestLinearSmoothedReset(t *testing.T) {
	l := stats.NewLinearSmoothed(4)
	l.Add(10)
	l.Add(20)
	l.Reset()
	if l.Alpha != 4 {
		t.Errorf("reset dropped alpha: %+v", l)
	}
	l.Add(50)
	if l.Value != 50 {
		t.Errorf("post-reset first sample = %d, want 50", l.Value)
	}
}
