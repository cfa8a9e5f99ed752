// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"context"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer/consumererror"
	"go.opentelemetry.io/collector/exporter"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type elasticsearchDynamicExporter struct {
	logger *zap.Logger

	resolver *configResolver
	builder  *bulkBuilder
	clients  *clientPool
}

func newExporter(cfg *Config, set exporter.Settings) (*elasticsearchDynamicExporter, error) {
	resolver, err := newConfigResolver(cfg)
	if err != nil {
		return nil, err
	}

	logger := set.Logger
	return &elasticsearchDynamicExporter{
		logger:   logger,
		resolver: resolver,
		builder:  newBulkBuilder(logger, resolver),
		clients: newClientPool(func(ctx context.Context, dest destination) (bulkClient, error) {
			return newElasticsearchClient(ctx, logger, cfg, dest)
		}),
	}, nil
}

// Start does not connect; clients are opened by the first batch that needs
// them.
func (e *elasticsearchDynamicExporter) Start(_ context.Context, _ component.Host) error {
	if dest := e.resolver.static; dest != nil {
		e.logger.Info("Elasticsearch destination configured", zap.String("hosts", dest.String()))
	} else {
		e.logger.Info("Elasticsearch destination is resolved for every record")
	}
	return nil
}

func (e *elasticsearchDynamicExporter) Shutdown(context.Context) error {
	e.clients.close()
	return nil
}

func (e *elasticsearchDynamicExporter) pushLogsData(ctx context.Context, ld plog.Logs) error {
	requests, err := e.builder.build(ld)
	if err != nil {
		e.logger.Error("Dropped records that could not be indexed",
			zap.Int("count", len(multierr.Errors(err))),
			zap.Error(err))
	}

	var (
		retryErrs     []error
		permanentErrs []error
		retry         []*bulkRequest
	)
	for _, req := range requests {
		if err := e.submit(ctx, req); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if consumererror.IsPermanent(err) {
				permanentErrs = append(permanentErrs, err)
				continue
			}
			retryErrs = append(retryErrs, err)
			retry = append(retry, req)
		}
	}

	if len(retry) == 0 {
		return multierr.Combine(permanentErrs...)
	}
	if len(permanentErrs) > 0 {
		e.logger.Error("Dropped bulk requests rejected by Elasticsearch", zap.Error(multierr.Combine(permanentErrs...)))
	}
	// Destinations that accepted their documents are not sent them again.
	return consumererror.NewLogs(multierr.Combine(retryErrs...), subLogs(ld, retry))
}

func (e *elasticsearchDynamicExporter) submit(ctx context.Context, req *bulkRequest) error {
	client, err := e.clients.get(ctx, req.dest)
	if err != nil {
		return err
	}
	return client.bulk(ctx, req)
}
