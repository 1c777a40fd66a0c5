package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentintel/server/config"
	"rentintel/server/internal/collector"
	"rentintel/server/internal/models"
)

type collectFunc func(ctx context.Context, region config.Region, city config.City) ([]models.RawListing, error)

type fakeCollector struct {
	source  string
	collect collectFunc

	mu    sync.Mutex
	calls []string
}

func (f *fakeCollector) Source() string {
	return f.source
}

func (f *fakeCollector) Collect(ctx context.Context, region config.Region, city config.City) ([]models.RawListing, error) {
	f.mu.Lock()
	f.calls = append(f.calls, region.Code+"/"+city.Name)
	f.mu.Unlock()
	return f.collect(ctx, region, city)
}

func (f *fakeCollector) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func listingsFor(region config.Region, city config.City, n int) []models.RawListing {
	out := make([]models.RawListing, n)
	for i := range out {
		out[i] = models.RawListing{
			SourceID:   fmt.Sprintf("%s-%s-%d", region.Code, city.Name, i),
			Region:     region.Code,
			PostalCode: "00000",
		}
	}
	return out
}

func region(code string, cities ...string) config.Region {
	r := config.Region{Code: code}
	for _, c := range cities {
		r.Cities = append(r.Cities, config.City{Name: c})
	}
	return r
}

func TestCollectAllIsolatesRegionFailure(t *testing.T) {
	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		switch r.Code {
		case "A":
			return listingsFor(r, city, 2), nil
		case "B":
			return nil, errors.New("source exploded")
		default:
			return listingsFor(r, city, 3), nil
		}
	}}

	o := New([]collector.Collector{c}, nil, nil)
	assert.Equal(t, models.CollectionIdle, o.Status())

	result := o.CollectAll(context.Background(), []config.Region{
		region("A", "a1"), region("B", "b1"), region("C", "c1"),
	}, 5)

	assert.Equal(t, models.CollectionPartiallyFailed, result.Status)
	assert.Equal(t, models.CollectionPartiallyFailed, o.Status())
	assert.Equal(t, map[string]int{"A": 2, "B": 0, "C": 3}, result.PerRegion)
	assert.Equal(t, 5, result.TotalListings)
	assert.Equal(t, 2, result.RegionsWithData)
	assert.Equal(t, 3, result.RegionsTotal)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "B", result.Errors[0].Region)
	assert.Equal(t, "b1", result.Errors[0].City)
	assert.Equal(t, models.ErrorKindCollection, result.Errors[0].Kind)
	assert.NotEmpty(t, result.RunID)
	assert.Len(t, c.Calls(), 3)
}

func TestCollectAllRecoversPanickingCollector(t *testing.T) {
	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		if r.Code == "B" {
			panic("unexpected markup")
		}
		return listingsFor(r, city, 1), nil
	}}

	result := New([]collector.Collector{c}, nil, nil).CollectAll(context.Background(), []config.Region{
		region("A", "a1"), region("B", "b1"), region("C", "c1"),
	}, 2)

	assert.Equal(t, models.CollectionPartiallyFailed, result.Status)
	assert.Equal(t, 1, result.PerRegion["A"])
	assert.Equal(t, 0, result.PerRegion["B"])
	assert.Equal(t, 1, result.PerRegion["C"])
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "panicked")
}

func TestCollectAllContinuesAfterCityFailure(t *testing.T) {
	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		if city.Name == "Houston" {
			return nil, fmt.Errorf("%w: connection reset", collector.ErrTransient)
		}
		return listingsFor(r, city, 4), nil
	}}

	result := New([]collector.Collector{c}, nil, nil).CollectAll(context.Background(), []config.Region{
		region("TX", "Austin", "Houston", "Dallas"),
	}, 1)

	assert.Equal(t, 8, result.PerRegion["TX"])
	require.Len(t, result.Regions, 1)
	assert.Equal(t, 2, result.Regions[0].CitiesCollected)
	assert.Equal(t, 1, result.Regions[0].CitiesFailed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, models.ErrorKindTransientIO, result.Errors[0].Kind)
	assert.Equal(t, []string{"TX/Austin", "TX/Houston", "TX/Dallas"}, c.Calls())
}

func TestCollectAllBoundsConcurrency(t *testing.T) {
	var active, maxActive int32
	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return listingsFor(r, city, 1), nil
	}}

	var regions []config.Region
	for i := 0; i < 8; i++ {
		regions = append(regions, region(fmt.Sprintf("R%d", i), "only"))
	}

	result := New([]collector.Collector{c}, nil, nil).CollectAll(context.Background(), regions, 3)

	assert.Equal(t, models.CollectionDone, result.Status)
	assert.Equal(t, 8, result.TotalListings)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(3))
	assert.Greater(t, atomic.LoadInt32(&maxActive), int32(1))
}

func TestCollectAllRunsCitiesSequentiallyWithinRegion(t *testing.T) {
	var mu sync.Mutex
	perRegion := make(map[string]int)
	overlap := false

	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		mu.Lock()
		perRegion[r.Code]++
		if perRegion[r.Code] > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		perRegion[r.Code]--
		mu.Unlock()
		return listingsFor(r, city, 1), nil
	}}

	result := New([]collector.Collector{c}, nil, nil).CollectAll(context.Background(), []config.Region{
		region("CA", "Los Angeles", "San Diego", "San Francisco"),
		region("WA", "Seattle", "Tacoma"),
	}, 4)

	assert.False(t, overlap)
	assert.Equal(t, 3, result.PerRegion["CA"])
	assert.Equal(t, 2, result.PerRegion["WA"])

	var caOrder []string
	for _, call := range c.Calls() {
		if call[:2] == "CA" {
			caOrder = append(caOrder, call)
		}
	}
	assert.Equal(t, []string{"CA/Los Angeles", "CA/San Diego", "CA/San Francisco"}, caOrder)
}

func TestCollectAllCancellationStopsDispatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var inFlightErr error

	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		close(started)
		<-release
		inFlightErr = ctx.Err()
		return listingsFor(r, city, 2), nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result)
	go func() {
		done <- New([]collector.Collector{c}, nil, nil).CollectAll(ctx, []config.Region{
			region("A", "a1", "a2"), region("B", "b1"), region("C", "c1"),
		}, 1)
	}()

	<-started
	cancel()
	close(release)

	var result Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collection did not finish after cancellation")
	}

	assert.NoError(t, inFlightErr, "in-flight call must not be aborted")
	assert.Equal(t, []string{"A/a1"}, c.Calls())
	assert.Equal(t, 2, result.PerRegion["A"])
	assert.Equal(t, models.CollectionPartiallyFailed, result.Status)
	require.Len(t, result.Errors, 3)
	for _, e := range result.Errors {
		assert.Equal(t, models.ErrorKindCancelled, e.Kind)
	}
}

func TestCollectAllCancelledBeforeStart(t *testing.T) {
	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		return listingsFor(r, city, 1), nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := New([]collector.Collector{c}, nil, nil).CollectAll(ctx, []config.Region{region("A", "a1"), region("B", "b1")}, 2)
	assert.Empty(t, c.Calls())
	assert.Zero(t, result.TotalListings)
	assert.Len(t, result.Errors, 2)
	assert.Len(t, result.Regions, 2)
}

func TestCollectAllCallTimeout(t *testing.T) {
	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	result := New([]collector.Collector{c}, nil, nil, WithCallTimeout(20*time.Millisecond)).
		CollectAll(context.Background(), []config.Region{region("A", "a1")}, 1)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, models.ErrorKindTransientIO, result.Errors[0].Kind)
}

func TestCollectAllHandsOffBatches(t *testing.T) {
	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		if city.Name == "empty" {
			return nil, nil
		}
		return listingsFor(r, city, 2), nil
	}}

	var mu sync.Mutex
	var batches []models.Batch
	handler := func(ctx context.Context, b models.Batch) error {
		mu.Lock()
		defer mu.Unlock()
		if b.City == "reject" {
			return errors.New("queue closed")
		}
		batches = append(batches, b)
		return nil
	}

	result := New([]collector.Collector{c}, nil, nil, WithBatchHandler(handler)).CollectAll(context.Background(), []config.Region{
		region("IL", "Chicago", "empty", "reject"),
	}, 1)

	require.Len(t, batches, 1)
	assert.Equal(t, "fake", batches[0].Source)
	assert.Equal(t, "IL", batches[0].Region)
	assert.Equal(t, "Chicago", batches[0].City)
	assert.Len(t, batches[0].Listings, 2)

	assert.Equal(t, 4, result.PerRegion["IL"])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, models.ErrorKindHandoff, result.Errors[0].Kind)
}

func TestCollectAllMultipleCollectors(t *testing.T) {
	a := &fakeCollector{source: "alpha", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		return listingsFor(r, city, 1), nil
	}}
	b := &fakeCollector{source: "beta", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		return listingsFor(r, city, 2), nil
	}}

	result := New([]collector.Collector{a, b}, nil, nil).CollectAll(context.Background(), []config.Region{region("NY", "New York")}, 0)

	assert.Equal(t, models.CollectionDone, result.Status)
	assert.Equal(t, 3, result.PerRegion["NY"])
	assert.Len(t, result.Regions, 2)
}

func TestCollectAllNoRegions(t *testing.T) {
	result := New(nil, nil, nil).CollectAll(context.Background(), nil, 5)
	assert.Equal(t, models.CollectionDone, result.Status)
	assert.Zero(t, result.TotalListings)
	assert.Empty(t, result.Errors)
}

func TestCollectAllBackToBackRunsCollectAgain(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for i := 0; i < 2; i++ {
		fmt.Fprintf(&b, `<li class="cl-static-search-result"><a href="/apa/%d.html"><div class="title">2br $%d</div></a></li>`, 4100+i, 2400+i)
	}
	b.WriteString("</ul></body></html>")
	page := b.String()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, page)
	}))
	defer server.Close()

	c := collector.NewClassifiedsCollector(collector.ClassifiedsConfig{
		SearchURL:      server.URL + "/{domain}/search/apa",
		RequestTimeout: 2 * time.Second,
		DedupeTTL:      10 * time.Minute,
	}, nil)
	defer c.Close()

	bayArea := config.Region{Code: "CA", Cities: []config.City{
		{Name: "San Francisco", Domain: "sfbay", PostalCode: "94103"},
		{Name: "Oakland", Domain: "sfbay", PostalCode: "94607"},
	}}
	o := New([]collector.Collector{c}, nil, nil)

	for run := 1; run <= 2; run++ {
		result := o.CollectAll(context.Background(), []config.Region{bayArea}, 2)
		assert.Equal(t, models.CollectionDone, result.Status, "run %d", run)
		assert.Equal(t, 4, result.TotalListings, "run %d", run)
		assert.Equal(t, 4, result.PerRegion["CA"], "run %d", run)
		assert.Equal(t, int32(run), atomic.LoadInt32(&hits), "one page fetch per run")
	}
}

func TestCollectAllReportsCollectingWhileDispatching(t *testing.T) {
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	var runIDs sync.Map

	c := &fakeCollector{source: "fake", collect: func(ctx context.Context, r config.Region, city config.City) ([]models.RawListing, error) {
		if runID, ok := collector.RunFromContext(ctx); ok {
			runIDs.Store(runID, true)
		}
		started <- struct{}{}
		<-release
		return listingsFor(r, city, 1), nil
	}}
	o := New([]collector.Collector{c}, nil, nil)

	done := make(chan Result, 1)
	go func() {
		done <- o.CollectAll(context.Background(), []config.Region{region("A", "a"), region("B", "b"), region("C", "c")}, 1)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first region task never started")
	}
	assert.Equal(t, models.CollectionCollecting, o.Status())

	close(release)
	var result Result
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collection did not finish")
	}

	assert.Equal(t, models.CollectionDone, result.Status)
	assert.Equal(t, 3, result.TotalListings)
	_, tagged := runIDs.Load(result.RunID)
	assert.True(t, tagged)
}
