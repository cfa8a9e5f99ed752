// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:generate mdatagen metadata.yaml

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/config/configretry"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/exporter"
	"go.opentelemetry.io/collector/exporter/exporterhelper"

	"github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter/internal/metadata"
)

const defaultMaxRetries = 5

// NewFactory creates a factory for the Elasticsearch dynamic exporter.
func NewFactory() exporter.Factory {
	return exporter.NewFactory(
		metadata.Type,
		createDefaultConfig,
		exporter.WithLogs(createLogsExporter, metadata.LogsStability),
	)
}

// Templatable settings stay nil: their defaults come from the option table,
// and a typed default would make the decoder reject template strings.
func createDefaultConfig() component.Config {
	return &Config{
		MaxRetries:    defaultMaxRetries,
		Retry:         configretry.NewDefaultBackOffConfig(),
		QueueSettings: exporterhelper.NewDefaultQueueConfig(),
	}
}

// createLogsExporter creates a new exporter for logs.
//
// Every log record with a map body becomes one Elasticsearch document.
func createLogsExporter(
	ctx context.Context,
	set exporter.Settings,
	cfg component.Config,
) (exporter.Logs, error) {
	cf := cfg.(*Config)

	exp, err := newExporter(cf, set)
	if err != nil {
		return nil, fmt.Errorf("cannot configure Elasticsearch dynamic exporter: %w", err)
	}

	return exporterhelper.NewLogsExporter(
		ctx,
		set,
		cfg,
		exp.pushLogsData,
		exporterhelper.WithCapabilities(consumer.Capabilities{MutatesData: false}),
		exporterhelper.WithStart(exp.Start),
		exporterhelper.WithShutdown(exp.Shutdown),
		exporterhelper.WithRetry(cf.Retry),
		exporterhelper.WithQueue(cf.QueueSettings),
		exporterhelper.WithTimeout(getTimeoutConfig()),
	)
}

func getTimeoutConfig() exporterhelper.TimeoutConfig {
	return exporterhelper.TimeoutConfig{
		Timeout: time.Duration(0), // request_timeout is applied to every Elasticsearch call instead
	}
}
