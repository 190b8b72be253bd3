package metrics

import (
	"math"
	"sync"
	"testing"
)

func TestStreamingLatencyStatsEmpty(t *testing.T) {
	s := NewStreamingLatencyStats()
	if got := s.Stats(); got != nil {
		t.Errorf("Stats() on empty = %+v, want nil", got)
	}
}

func TestStreamingLatencyStatsSingle(t *testing.T) {
	s := NewStreamingLatencyStats()
	s.Add(42)

	got := s.Stats()
	if got == nil {
		t.Fatal("Stats() = nil, want summary")
	}
	if got.Count != 1 {
		t.Errorf("Count = %d, want 1", got.Count)
	}
	for name, v := range map[string]float64{
		"Min": got.Min, "Max": got.Max, "Avg": got.Avg,
		"P50": got.P50, "P95": got.P95, "P99": got.P99,
	} {
		if v != 42 {
			t.Errorf("%s = %v, want 42", name, v)
		}
	}
}

func TestStreamingLatencyStatsUniform(t *testing.T) {
	s := NewStreamingLatencyStats()
	// 1..1000 ms, well under the reservoir size, so percentiles are exact
	// up to interpolation.
	for i := 1; i <= 1000; i++ {
		s.Add(float64(i))
	}

	got := s.Stats()
	if got.Count != 1000 {
		t.Errorf("Count = %d, want 1000", got.Count)
	}
	if got.Min != 1 || got.Max != 1000 {
		t.Errorf("Min/Max = %v/%v, want 1/1000", got.Min, got.Max)
	}
	if math.Abs(got.Avg-500.5) > 1e-9 {
		t.Errorf("Avg = %v, want 500.5", got.Avg)
	}
	if math.Abs(got.P50-500.5) > 1 {
		t.Errorf("P50 = %v, want ~500.5", got.P50)
	}
	if math.Abs(got.P95-950) > 2 {
		t.Errorf("P95 = %v, want ~950", got.P95)
	}
	if math.Abs(got.P99-990) > 2 {
		t.Errorf("P99 = %v, want ~990", got.P99)
	}
}

func TestStreamingLatencyStatsOverflowReservoir(t *testing.T) {
	s := NewStreamingLatencyStats()
	n := DefaultReservoirSize * 3
	for i := 0; i < n; i++ {
		s.Add(float64(i % 100))
	}

	got := s.Stats()
	if got.Count != int64(n) {
		t.Errorf("Count = %d, want %d (count is exact even when sampling)", got.Count, n)
	}
	if got.Min != 0 || got.Max != 99 {
		t.Errorf("Min/Max = %v/%v, want 0/99 (extremes are exact)", got.Min, got.Max)
	}
	// Values are uniform over 0..99; sampled percentiles should be close.
	if got.P50 < 40 || got.P50 > 60 {
		t.Errorf("P50 = %v, want within [40, 60]", got.P50)
	}
	if got.P99 < 95 || got.P99 > 99 {
		t.Errorf("P99 = %v, want within [95, 99]", got.P99)
	}
}

func TestStreamingLatencyStatsConcurrent(t *testing.T) {
	s := NewStreamingLatencyStats()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Add(float64(i))
			}
		}()
	}
	wg.Wait()

	got := s.Stats()
	if got.Count != 8000 {
		t.Errorf("Count = %d, want 8000", got.Count)
	}
}

func TestPercentileInterpolation(t *testing.T) {
	tests := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{name: "empty", sorted: nil, p: 0.5, want: 0},
		{name: "single", sorted: []float64{7}, p: 0.99, want: 7},
		{name: "median of two", sorted: []float64{10, 20}, p: 0.5, want: 15},
		{name: "exact index", sorted: []float64{1, 2, 3, 4, 5}, p: 0.5, want: 3},
		{name: "interpolated", sorted: []float64{0, 10, 20, 30}, p: 0.25, want: 7.5},
		{name: "max", sorted: []float64{1, 2, 3}, p: 1.0, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.sorted, tt.p); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("percentile(%v, %v) = %v, want %v", tt.sorted, tt.p, got, tt.want)
			}
		})
	}
}
