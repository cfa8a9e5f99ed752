// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/config/configopaque"
	"go.opentelemetry.io/collector/config/configretry"
	"go.opentelemetry.io/collector/exporter/exporterhelper"
)

// Config defines configuration for the Elasticsearch dynamic exporter.
//
// Scalar settings are untyped: each one holds either a literal of the kind
// declared in the option table or a template string "${expression}" that
// is evaluated for every record. Templates can read the record tag
// (tag), the tag split on delimiter (tag_parts) and the record body
// (record). In collector configuration files write "$${...}" so the
// configuration resolver leaves the template alone.
type Config struct {
	// Hosts is a comma separated list of "host[:port]" or URL entries.
	// When set, Host, Port and Scheme only act as defaults.
	Hosts  any `mapstructure:"hosts"`
	Host   any `mapstructure:"host"`
	Port   any `mapstructure:"port"`
	Scheme any `mapstructure:"scheme"`
	Path   any `mapstructure:"path"`

	User     any `mapstructure:"user"`
	Password any `mapstructure:"password"`

	IndexName any `mapstructure:"index_name"`
	TypeName  any `mapstructure:"type_name"`
	IDKey     any `mapstructure:"id_key"`
	ParentKey any `mapstructure:"parent_key"`

	TagKey        any `mapstructure:"tag_key"`
	IncludeTagKey any `mapstructure:"include_tag_key"`
	Delimiter     any `mapstructure:"delimiter"`

	// LogstashFormat derives the index from the record time:
	// "{logstash_prefix}-{strftime(logstash_dateformat)}".
	LogstashFormat     any `mapstructure:"logstash_format"`
	LogstashPrefix     any `mapstructure:"logstash_prefix"`
	LogstashDateFormat any `mapstructure:"logstash_dateformat"`
	UTCIndex           any `mapstructure:"utc_index"`
	TimeKey            any `mapstructure:"time_key"`

	ReloadConnections any `mapstructure:"reload_connections"`
	ReloadOnFailure   any `mapstructure:"reload_on_failure"`
	RequestTimeout    any `mapstructure:"request_timeout"`

	SSLVerify     any `mapstructure:"ssl_verify"`
	CAFile        any `mapstructure:"ca_file"`
	ClientCert    any `mapstructure:"client_cert"`
	ClientKey     any `mapstructure:"client_key"`
	ClientKeyPass any `mapstructure:"client_key_pass"`

	// Headers are added to every request. They are not templated.
	Headers map[string]configopaque.String `mapstructure:"headers"`

	// MaxRetries is the number of times the client retries a request
	// against the next node before giving up.
	MaxRetries int `mapstructure:"max_retries"`

	// Retry controls how failed batches are retried by the pipeline.
	Retry configretry.BackOffConfig `mapstructure:"retry_on_failure"`

	QueueSettings exporterhelper.QueueConfig `mapstructure:"sending_queue"`
}

var _ component.Config = (*Config)(nil)

var errNegativeMaxRetries = errors.New("max_retries must not be negative")

// Validate checks that every literal option has the declared kind and that
// every template compiles.
func (cfg *Config) Validate() error {
	if cfg.MaxRetries < 0 {
		return errNegativeMaxRetries
	}
	if err := cfg.Retry.Validate(); err != nil {
		return fmt.Errorf("retry_on_failure: %w", err)
	}
	_, err := newConfigResolver(cfg)
	return err
}
