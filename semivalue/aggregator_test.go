package semivalue

import (
	"sync"
	"testing"

	"github.com/matryer/is"
	"lukechampine.com/frand"

	"github.com/valuation-lab/semival/stats"
)

func TestAggregatorMergeOrderIndependent(t *testing.T) {
	is := is.New(t)
	contributions := make([]float64, 500)
	for i := range contributions {
		contributions[i] = frand.Float64()*10 - 5
	}

	a := NewAggregator(1)
	for _, c := range contributions {
		a.Merge(0, c)
	}

	shuffled := make([]float64, len(contributions))
	copy(shuffled, contributions)
	frand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	b := NewAggregator(1)
	for _, c := range shuffled {
		b.Merge(0, c)
	}

	sa, sb := a.Snapshot()[0], b.Snapshot()[0]
	is.Equal(sa.Updates, sb.Updates)
	is.True(stats.FuzzyEqual(sa.Mean, sb.Mean))
	is.True(stats.FuzzyEqual(sa.Variance, sb.Variance))
}

func TestAggregatorConcurrentMerges(t *testing.T) {
	is := is.New(t)
	const workers = 8
	const perWorker = 1000
	a := NewAggregator(3)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				a.Merge(i%3, 2.0)
			}
		}()
	}
	wg.Wait()

	is.Equal(a.TotalUpdates(), uint64(workers*perWorker))
	for _, p := range a.Snapshot() {
		is.True(stats.FuzzyEqual(p.Mean, 2.0))
		is.True(stats.FuzzyEqual(p.Variance, 0.0))
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	is := is.New(t)
	a := NewAggregator(2)
	a.Merge(0, 1.0)
	snap := a.Snapshot()
	a.Merge(0, 3.0)
	is.Equal(snap[0].Updates, 1)
	is.True(stats.FuzzyEqual(snap[0].Mean, 1.0))
	is.Equal(a.Snapshot()[0].Updates, 2)
}
