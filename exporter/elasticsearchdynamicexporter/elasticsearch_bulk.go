// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	elasticsearch7 "github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/pkcs8"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/collector/config/configretry"
	"go.opentelemetry.io/collector/config/configtls"
	"go.opentelemetry.io/collector/consumer/consumererror"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type esClientCurrent = elasticsearch7.Client
type esConfigCurrent = elasticsearch7.Config

const defaultDiscoverNodesInterval = 5 * time.Minute

var retryOnStatus = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// clientLogger implements the estransport.Logger interface
// that is required by the Elasticsearch client for logging.
type clientLogger zap.Logger

// LogRoundTrip should not modify the request or response, except for consuming and closing the body.
// Implementations have to check for nil values in request and response.
func (cl *clientLogger) LogRoundTrip(requ *http.Request, resp *http.Response, err error, _ time.Time, dur time.Duration) error {
	zl := (*zap.Logger)(cl)
	switch {
	case err == nil && resp != nil:
		zl.Debug("Request roundtrip completed.",
			zap.String("host", requ.URL.Host),
			zap.String("path", sanitizePath(requ.URL.Path)),
			zap.String("method", requ.Method),
			zap.Duration("duration", dur),
			zap.String("status", resp.Status))

	case err != nil:
		zl.Error("Request failed.", zap.String("host", requ.URL.Host), zap.NamedError("reason", err))
	}

	return nil
}

// sanitizePath drops control characters so a request path cannot forge log
// lines.
func sanitizePath(path string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, path)
}

// RequestBodyEnabled makes the client pass a copy of request body to the logger.
func (*clientLogger) RequestBodyEnabled() bool {
	return false
}

// ResponseBodyEnabled makes the client pass a copy of response body to the logger.
func (*clientLogger) ResponseBodyEnabled() bool {
	return false
}

// bulkClient submits bulk requests to one destination.
type bulkClient interface {
	bulk(ctx context.Context, req *bulkRequest) error
	close()
}

type esClient struct {
	logger    *zap.Logger
	client    *esClientCurrent
	transport *http.Transport
	dest      destination
}

var _ bulkClient = (*esClient)(nil)

// newElasticsearchClient opens a client for dest and checks that the cluster
// answers.
func newElasticsearchClient(ctx context.Context, logger *zap.Logger, config *Config, dest destination) (*esClient, error) {
	tlsCfg, err := loadTLSConfig(ctx, dest)
	if err != nil {
		return nil, err
	}

	transport := newTransport(tlsCfg)

	headers := make(http.Header)
	for k, v := range config.Headers {
		headers.Add(k, string(v))
	}

	maxRetries := config.MaxRetries
	retryDisabled := maxRetries <= 0

	var discoverInterval time.Duration
	if dest.reloadConnections {
		discoverInterval = defaultDiscoverNodesInterval
	}

	client, err := elasticsearch7.NewClient(esConfigCurrent{
		Transport: transport,

		// credentials and path prefixes travel in the addresses
		Addresses: dest.addresses(),
		Header:    headers,

		RetryOnStatus:        retryOnStatus,
		DisableRetry:         retryDisabled,
		EnableRetryOnTimeout: !retryDisabled,
		MaxRetries:           maxRetries,
		RetryBackoff:         createElasticsearchBackoffFunc(&config.Retry),

		DiscoverNodesOnStart:  dest.reloadOnFailure,
		DiscoverNodesInterval: discoverInterval,

		Logger: (*clientLogger)(logger),
	})
	if err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	c := &esClient{
		logger:    logger,
		client:    client,
		transport: transport,
		dest:      dest,
	}
	if err := c.ping(ctx); err != nil {
		c.close()
		return nil, err
	}
	logger.Info("Connection opened to Elasticsearch cluster", zap.String("hosts", dest.String()))
	return c, nil
}

func newTransport(tlsCfg *tls.Config) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		transport.TLSClientConfig = tlsCfg
	}
	return transport
}

func createElasticsearchBackoffFunc(config *configretry.BackOffConfig) func(int) time.Duration {
	if !config.Enabled {
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	if config.InitialInterval > 0 {
		expBackoff.InitialInterval = config.InitialInterval
	}
	if config.MaxInterval > 0 {
		expBackoff.MaxInterval = config.MaxInterval
	}
	if config.Multiplier > 0 {
		expBackoff.Multiplier = config.Multiplier
	}
	expBackoff.RandomizationFactor = config.RandomizationFactor
	expBackoff.Reset()

	return func(attempts int) time.Duration {
		if attempts == 1 {
			expBackoff.Reset()
		}

		return expBackoff.NextBackOff()
	}
}

func loadTLSConfig(ctx context.Context, dest destination) (*tls.Config, error) {
	settings := configtls.ClientConfig{
		Config: configtls.Config{
			CAFile: dest.caFile,
		},
		InsecureSkipVerify: !dest.sslVerify,
	}
	encrypted := dest.clientKeyPass != ""
	if !encrypted {
		settings.CertFile = dest.clientCert
		settings.KeyFile = dest.clientKey
	}

	tlsCfg, err := settings.LoadTLSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: tls: %w", ErrConfiguration, err)
	}
	if !encrypted || dest.clientCert == "" || dest.clientKey == "" {
		return tlsCfg, nil
	}

	cert, err := loadEncryptedKeyPair(dest.clientCert, dest.clientKey, dest.clientKeyPass)
	if err != nil {
		return nil, fmt.Errorf("%w: tls: %w", ErrConfiguration, err)
	}
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tlsCfg.Certificates = []tls.Certificate{cert}
	return tlsCfg, nil
}

// loadEncryptedKeyPair reads a certificate and a passphrase protected
// PKCS#8 private key.
func loadEncryptedKeyPair(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM data found in %s", keyFile)
	}
	key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypt %s: %w", keyFile, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (c *esClient) ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, c.dest.requestTimeout)
	defer cancel()

	res, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w (%s): %w", ErrConnectionFailure, c.dest, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w (%s): ping returned %s", ErrConnectionFailure, c.dest, res.Status())
	}
	return nil
}

type bulkResponse struct {
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkResponseItem `json:"items"`
}

type bulkResponseItem struct {
	Index  string `json:"_index"`
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// bulk posts req to the _bulk endpoint. Documents rejected individually are
// logged and dropped; a rejected request is returned as an error, permanent
// unless the status is worth retrying.
func (c *esClient) bulk(ctx context.Context, req *bulkRequest) error {
	ctx, cancel := withTimeout(ctx, c.dest.requestTimeout)
	defer cancel()

	res, err := c.client.Bulk(bytes.NewReader(req.payload()), c.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request to %s failed: %w", c.dest, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		err := fmt.Errorf("bulk request to %s failed: %s", c.dest, res.Status())
		if shouldRetryEvent(res.StatusCode) {
			return err
		}
		return consumererror.NewPermanent(err)
	}

	var resp bulkResponse
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("bulk request to %s: decode response: %w", c.dest, err)
	}

	var failed int
	for _, item := range resp.Items {
		for _, result := range item {
			if result.Status < 300 {
				continue
			}
			failed++
			fields := []zap.Field{
				zap.String("index", result.Index),
				zap.Int("status", result.Status),
			}
			if result.Error != nil {
				fields = append(fields,
					zap.String("error.type", result.Error.Type),
					zap.String("error.reason", result.Error.Reason))
			}
			c.logger.Error("Drop docs: failed to index", fields...)
		}
	}
	c.logger.Debug("Bulk request completed",
		zap.String("hosts", c.dest.String()),
		zap.Int("documents", len(req.items)),
		zap.Int("failed", failed))
	return nil
}

func (c *esClient) close() {
	c.transport.CloseIdleConnections()
}

func shouldRetryEvent(status int) bool {
	for _, retryable := range retryOnStatus {
		if status == retryable {
			return true
		}
	}
	return false
}

type clientFactory func(ctx context.Context, dest destination) (bulkClient, error)

// clientPool keeps one client per destination. Clients are opened on first
// use and reused across batches.
type clientPool struct {
	newClient clientFactory
	opening   singleflight.Group

	mu      sync.Mutex
	clients map[string]bulkClient
}

func newClientPool(newClient clientFactory) *clientPool {
	return &clientPool{
		newClient: newClient,
		clients:   make(map[string]bulkClient),
	}
}

func (p *clientPool) lookup(key string) (bulkClient, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[key]
	return c, ok
}

// get returns the client for dest, opening it when needed. Only callers for
// the same destination wait on an open in progress. A client that fails to
// open is not cached, so the next batch tries again.
func (p *clientPool) get(ctx context.Context, dest destination) (bulkClient, error) {
	if c, ok := p.lookup(dest.key); ok {
		return c, nil
	}
	v, err, _ := p.opening.Do(dest.key, func() (any, error) {
		if c, ok := p.lookup(dest.key); ok {
			return c, nil
		}
		c, err := p.newClient(ctx, dest)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.clients[dest.key] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(bulkClient), nil
}

func (p *clientPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, c := range p.clients {
		c.close()
		delete(p.clients, key)
	}
}
