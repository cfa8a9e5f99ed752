// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/config/configretry"
)

type fakeClient struct {
	closed bool
}

func (*fakeClient) bulk(context.Context, *bulkRequest) error { return nil }

func (c *fakeClient) close() { c.closed = true }

func TestClientPool(t *testing.T) {
	var (
		mu      sync.Mutex
		opened  []string
		failFor = "broken"
	)
	pool := newClientPool(func(_ context.Context, dest destination) (bulkClient, error) {
		mu.Lock()
		defer mu.Unlock()
		opened = append(opened, dest.key)
		if dest.key == failFor {
			return nil, ErrConnectionFailure
		}
		return &fakeClient{}, nil
	})

	a1, err := pool.get(context.Background(), destination{key: "a"})
	require.NoError(t, err)
	a2, err := pool.get(context.Background(), destination{key: "a"})
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	_, err = pool.get(context.Background(), destination{key: "b"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = pool.get(context.Background(), destination{key: failFor})
		assert.ErrorIs(t, err, ErrConnectionFailure)
	}
	assert.Equal(t, []string{"a", "b", failFor, failFor}, opened)

	pool.close()
	assert.True(t, a1.(*fakeClient).closed)
	assert.Empty(t, pool.clients)
}

func TestClientPoolConcurrentGet(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	pool := newClientPool(func(context.Context, destination) (bulkClient, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &fakeClient{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.get(context.Background(), destination{key: "shared"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestClientPoolOpensDestinationsIndependently(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	pool := newClientPool(func(_ context.Context, dest destination) (bulkClient, error) {
		if dest.key == "slow" {
			close(started)
			<-release
		}
		return &fakeClient{}, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := pool.get(context.Background(), destination{key: "slow"})
		assert.NoError(t, err)
	}()
	<-started

	_, err := pool.get(context.Background(), destination{key: "fast"})
	require.NoError(t, err)
	close(release)
	<-done
	assert.Len(t, pool.clients, 2)
}

func TestSanitizePath(t *testing.T) {
	assert.Equal(t, "/index/_bulk", sanitizePath("/index/_bulk"))
	assert.Equal(t, "/a_bulkfake", sanitizePath("/a\n_bulk\r\x00fake"))
}

func TestLoadTLSConfig(t *testing.T) {
	tlsCfg, err := loadTLSConfig(context.Background(), destination{sslVerify: false})
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.True(t, tlsCfg.InsecureSkipVerify)

	tlsCfg, err = loadTLSConfig(context.Background(), destination{sslVerify: true})
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.False(t, tlsCfg.InsecureSkipVerify)

	missing := filepath.Join(t.TempDir(), "missing.pem")
	_, err = loadTLSConfig(context.Background(), destination{sslVerify: true, caFile: missing})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = loadTLSConfig(context.Background(), destination{
		sslVerify:     true,
		clientCert:    missing,
		clientKey:     missing,
		clientKeyPass: "secret",
	})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestCreateElasticsearchBackoffFunc(t *testing.T) {
	disabled := configretry.NewDefaultBackOffConfig()
	disabled.Enabled = false
	assert.Nil(t, createElasticsearchBackoffFunc(&disabled))

	cfg := configretry.NewDefaultBackOffConfig()
	cfg.InitialInterval = 10 * time.Millisecond
	cfg.MaxInterval = 40 * time.Millisecond
	cfg.RandomizationFactor = 0
	cfg.Multiplier = 2

	backoffFn := createElasticsearchBackoffFunc(&cfg)
	require.NotNil(t, backoffFn)
	assert.Equal(t, 10*time.Millisecond, backoffFn(1))
	assert.Equal(t, 20*time.Millisecond, backoffFn(2))
	assert.Equal(t, 40*time.Millisecond, backoffFn(3))
	assert.Equal(t, 40*time.Millisecond, backoffFn(4))
	assert.Equal(t, 10*time.Millisecond, backoffFn(1), "first attempt resets the backoff")
}

func TestShouldRetryEvent(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		assert.True(t, shouldRetryEvent(status), "%d", status)
	}
	for _, status := range []int{200, 400, 401, 404, 413} {
		assert.False(t, shouldRetryEvent(status), "%d", status)
	}
}
