// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elasticsearchdynamicexporter contains an opentelemetry-collector
// exporter that writes logs to Elasticsearch with settings resolved per
// record.
package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
)

// TagAttribute holds the record tag, as written by the fluentforward
// receiver.
const TagAttribute = "fluent.tag"

type attrGetter interface {
	Attributes() pcommon.Map
}

// record attribute is higher prioritized than resource attribute
func getFromRecordOrResource(name string, record attrGetter, resource attrGetter) string {
	val, exist := record.Attributes().Get(name)
	if !exist {
		val, exist = resource.Attributes().Get(name)
	}
	if !exist {
		return ""
	}
	return val.AsString()
}

func recordTag(resource pcommon.Resource, lr plog.LogRecord) string {
	return getFromRecordOrResource(TagAttribute, lr, resource)
}

func recordTime(lr plog.LogRecord, now time.Time) time.Time {
	if ts := lr.Timestamp(); ts != 0 {
		return ts.AsTime()
	}
	if ts := lr.ObservedTimestamp(); ts != 0 {
		return ts.AsTime()
	}
	return now
}
