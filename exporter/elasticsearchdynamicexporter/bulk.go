// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errEmptyIndex = errors.New("index name resolved to an empty string")

type bulkAction struct {
	Index bulkMetadata `json:"index"`
}

type bulkMetadata struct {
	Index  string `json:"_index"`
	Type   string `json:"_type,omitempty"`
	ID     string `json:"_id,omitempty"`
	Parent string `json:"_parent,omitempty"`
}

// logIndex locates a log record inside the batch it came from.
type logIndex struct {
	resource int
	scope    int
	record   int
}

// bulkItem is one action and document pair. encoded holds both as NDJSON
// lines.
type bulkItem struct {
	action   bulkAction
	document map[string]any
	encoded  []byte
	source   logIndex
}

// bulkRequest collects the items going to one destination.
type bulkRequest struct {
	dest  destination
	items []bulkItem
	size  int
}

func (r *bulkRequest) add(item bulkItem) {
	r.items = append(r.items, item)
	r.size += len(item.encoded)
}

// payload returns the NDJSON body of the _bulk request.
func (r *bulkRequest) payload() []byte {
	buf := make([]byte, 0, r.size)
	for _, item := range r.items {
		buf = append(buf, item.encoded...)
	}
	return buf
}

type bulkBuilder struct {
	logger   *zap.Logger
	resolver *configResolver
	now      func() time.Time
}

func newBulkBuilder(logger *zap.Logger, resolver *configResolver) *bulkBuilder {
	return &bulkBuilder{
		logger:   logger,
		resolver: resolver,
		now:      time.Now,
	}
}

// build turns a batch into bulk requests, one per destination, in the order
// destinations first appear. Records that cannot be indexed are left out and
// reported in the returned error.
func (b *bulkBuilder) build(ld plog.Logs) ([]*bulkRequest, error) {
	var (
		requests []*bulkRequest
		byKey    = make(map[string]*bulkRequest)
		errs     []error
		skipped  int
	)

	now := b.now()
	rls := ld.ResourceLogs()
	for i := 0; i < rls.Len(); i++ {
		rl := rls.At(i)
		resource := rl.Resource()
		sls := rl.ScopeLogs()
		for j := 0; j < sls.Len(); j++ {
			lrs := sls.At(j).LogRecords()
			for k := 0; k < lrs.Len(); k++ {
				lr := lrs.At(k)
				if lr.Body().Type() != pcommon.ValueTypeMap {
					skipped++
					continue
				}

				tag := recordTag(resource, lr)
				item, dest, err := b.buildItem(tag, recordTime(lr, now), lr.Body().Map().AsRaw())
				if err != nil {
					errs = append(errs, fmt.Errorf("record with tag %q: %w", tag, err))
					continue
				}
				item.source = logIndex{resource: i, scope: j, record: k}

				req, ok := byKey[dest.key]
				if !ok {
					req = &bulkRequest{dest: dest}
					byKey[dest.key] = req
					requests = append(requests, req)
				}
				req.add(item)
			}
		}
	}

	if skipped > 0 {
		b.logger.Debug("Skipped records without a map body", zap.Int("count", skipped))
	}
	return requests, multierr.Combine(errs...)
}

// subLogs copies the records of requests out of ld, keeping their resource
// and scope.
func subLogs(ld plog.Logs, requests []*bulkRequest) plog.Logs {
	keep := make(map[logIndex]struct{})
	for _, req := range requests {
		for _, item := range req.items {
			keep[item.source] = struct{}{}
		}
	}

	subset := plog.NewLogs()
	rls := ld.ResourceLogs()
	for i := 0; i < rls.Len(); i++ {
		rl := rls.At(i)
		var (
			rlSub   plog.ResourceLogs
			rlAdded bool
		)
		sls := rl.ScopeLogs()
		for j := 0; j < sls.Len(); j++ {
			sl := sls.At(j)
			var (
				slSub   plog.ScopeLogs
				slAdded bool
			)
			lrs := sl.LogRecords()
			for k := 0; k < lrs.Len(); k++ {
				if _, ok := keep[logIndex{resource: i, scope: j, record: k}]; !ok {
					continue
				}
				if !rlAdded {
					rlSub, rlAdded = subset.ResourceLogs().AppendEmpty(), true
					rl.Resource().CopyTo(rlSub.Resource())
					rlSub.SetSchemaUrl(rl.SchemaUrl())
				}
				if !slAdded {
					slSub, slAdded = rlSub.ScopeLogs().AppendEmpty(), true
					sl.Scope().CopyTo(slSub.Scope())
					slSub.SetSchemaUrl(sl.SchemaUrl())
				}
				lrs.At(k).CopyTo(slSub.LogRecords().AppendEmpty())
			}
		}
	}
	return subset
}

func (b *bulkBuilder) buildItem(tag string, ts time.Time, record map[string]any) (bulkItem, destination, error) {
	ec, err := b.resolver.forRecord(tag, record)
	if err != nil {
		return bulkItem{}, destination{}, err
	}
	dest, err := b.resolver.destination(ec)
	if err != nil {
		return bulkItem{}, destination{}, err
	}

	index, err := resolveIndex(ec, record, ts)
	if err != nil {
		return bulkItem{}, destination{}, err
	}
	if index == "" {
		return bulkItem{}, destination{}, errEmptyIndex
	}

	if ec.flag(optIncludeTagKey) {
		record[ec.str(optTagKey)] = tag
	}

	action := bulkAction{Index: bulkMetadata{
		Index: index,
		Type:  ec.str(optTypeName),
	}}
	if key := ec.str(optIDKey); key != "" {
		action.Index.ID = fieldString(record, key)
	}
	if key := ec.str(optParentKey); key != "" {
		action.Index.Parent = fieldString(record, key)
	}

	encoded, err := encodeItem(action, record)
	if err != nil {
		return bulkItem{}, destination{}, err
	}
	return bulkItem{action: action, document: record, encoded: encoded}, dest, nil
}

// fieldString returns the scalar value of a record field as a string, or ""
// when the field is missing or not a scalar.
func fieldString(record map[string]any, key string) string {
	v, ok := record[key]
	if !ok || v == nil {
		return ""
	}
	switch v.(type) {
	case map[string]any, []any:
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return s
}

func encodeItem(action bulkAction, document map[string]any) ([]byte, error) {
	meta, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	doc, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out := make([]byte, 0, len(meta)+len(doc)+2)
	out = append(out, meta...)
	out = append(out, '\n')
	out = append(out, doc...)
	out = append(out, '\n')
	return out, nil
}

// RenderedRequest is the _bulk body built for one destination.
type RenderedRequest struct {
	// Destination lists the target nodes with passwords masked.
	Destination string
	// Records is the number of documents in Body.
	Records int
	Body    []byte
}

// RenderBulk builds the bulk requests cfg produces for ld without contacting
// Elasticsearch. Records that cannot be indexed are logged and left out; the
// returned error is only set for an invalid configuration.
func RenderBulk(cfg *Config, ld plog.Logs, logger *zap.Logger) ([]RenderedRequest, error) {
	resolver, err := newConfigResolver(cfg)
	if err != nil {
		return nil, err
	}
	requests, err := newBulkBuilder(logger, resolver).build(ld)
	if err != nil {
		logger.Warn("Dropped records", zap.Int("count", len(multierr.Errors(err))), zap.Error(err))
	}

	out := make([]RenderedRequest, len(requests))
	for i, req := range requests {
		out[i] = RenderedRequest{
			Destination: req.dest.String(),
			Records:     len(req.items),
			Body:        req.payload(),
		}
	}
	return out, nil
}
