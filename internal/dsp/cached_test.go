package dsp

import (
	"math/cmplx"
	"sync"
	"testing"
)

func TestPlanCacheReusesPlans(t *testing.T) {
	c := &planCache{plans: make(map[int]*cachedPlan)}
	a := c.get(160)
	b := c.get(160)
	if a != b {
		t.Fatalf("expected the same plan for repeated length")
	}
	c.get(64)
	if c.Size() != 2 {
		t.Fatalf("cache size = %d, want 2", c.Size())
	}
}

func TestPlanCacheConcurrentUse(t *testing.T) {
	x := make([]complex128, 400)
	for i := range x {
		x[i] = complex(float64(i%7), float64(i%3))
	}
	want := Forward(x)

	var wg sync.WaitGroup
	errs := make(chan int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < 20; r++ {
				got := Forward(x)
				for i := range got {
					if cmplx.Abs(got[i]-want[i]) > 1e-9 {
						errs <- i
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for i := range errs {
		t.Fatalf("concurrent transform differs at bin %d", i)
	}
}

func BenchmarkForward400(b *testing.B) {
	x := make([]complex128, 400)
	for i := range x {
		x[i] = complex(float64(i), float64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Forward(x)
	}
}

func BenchmarkForward400Parallel(b *testing.B) {
	x := make([]complex128, 400)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			Forward(x)
		}
	})
}
