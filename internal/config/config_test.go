package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
)

func TestGetFetchesOnce(t *testing.T) {
	var calls int32
	c := New(func(ctx context.Context) (Document, *ingesterrors.Error) {
		atomic.AddInt32(&calls, 1)
		return Document{Containers: []ContainerInfo{{Path: "https://a/c"}}, RefreshPeriod: time.Hour}, nil
	})

	doc, err := c.Get(context.Background())
	require.Nil(t, err)
	assert.Equal(t, []ContainerInfo{{Path: "https://a/c"}}, doc.Containers)

	doc2, err2 := c.Get(context.Background())
	require.Nil(t, err2)
	assert.Equal(t, doc.Containers, doc2.Containers)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetRefreshesAfterExpiry(t *testing.T) {
	var calls int32
	c := New(func(ctx context.Context) (Document, *ingesterrors.Error) {
		n := atomic.AddInt32(&calls, 1)
		return Document{Containers: []ContainerInfo{{Path: fmt.Sprintf("v%d", n)}}, RefreshPeriod: time.Millisecond}, nil
	})

	_, err := c.Get(context.Background())
	require.Nil(t, err)
	time.Sleep(5 * time.Millisecond)
	doc, err := c.Get(context.Background())
	require.Nil(t, err)
	assert.Equal(t, []ContainerInfo{{Path: "v2"}}, doc.Containers)
}

func TestGetServesStaleOnFetchError(t *testing.T) {
	var calls int32
	c := New(func(ctx context.Context) (Document, *ingesterrors.Error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return Document{Containers: []ContainerInfo{{Path: "good"}}, RefreshPeriod: time.Millisecond}, nil
		}
		return Document{}, ingesterrors.E(ingesterrors.OpConfigFetch, ingesterrors.KindNetwork, fmt.Errorf("boom")).SetTransient()
	})

	_, err := c.Get(context.Background())
	require.Nil(t, err)
	time.Sleep(5 * time.Millisecond)

	doc, err := c.Get(context.Background())
	require.Nil(t, err, "a stale value must be served instead of propagating the fetch error")
	assert.Equal(t, []ContainerInfo{{Path: "good"}}, doc.Containers)
}

func TestGetReturnsErrorWhenNeverSucceeded(t *testing.T) {
	c := New(func(ctx context.Context) (Document, *ingesterrors.Error) {
		return Document{}, ingesterrors.E(ingesterrors.OpConfigFetch, ingesterrors.KindNetwork, fmt.Errorf("boom")).SetTransient()
	})

	_, err := c.Get(context.Background())
	require.NotNil(t, err)
}

func TestConcurrentGetCollapsesIntoOneFetch(t *testing.T) {
	var calls int32
	block := make(chan struct{})
	c := New(func(ctx context.Context) (Document, *ingesterrors.Error) {
		atomic.AddInt32(&calls, 1)
		<-block
		return Document{Containers: []ContainerInfo{{Path: "v"}}, RefreshPeriod: time.Hour}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Get(context.Background())
		}()
	}

	time.Sleep(10 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var calls int32
	c := New(func(ctx context.Context) (Document, *ingesterrors.Error) {
		n := atomic.AddInt32(&calls, 1)
		return Document{Containers: []ContainerInfo{{Path: fmt.Sprintf("v%d", n)}}, RefreshPeriod: time.Hour}, nil
	})

	_, _ = c.Get(context.Background())
	c.Invalidate()
	doc, _ := c.Get(context.Background())
	assert.Equal(t, []ContainerInfo{{Path: "v2"}}, doc.Containers)
}
