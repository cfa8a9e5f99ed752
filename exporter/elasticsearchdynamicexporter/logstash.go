// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/itchyny/timefmt-go"
	"github.com/spf13/cast"
)

const timestampField = "@timestamp"

var errEmptyTimestamp = errors.New("empty timestamp")

// timestampLayouts are tried in order. Layouts without a zone read the
// time as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700",
	"2006-01-02 15:04:05.999999999 MST",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
	time.RubyDate,
	time.UnixDate,
	"2006-01-02",
}

// parseTimestamp reads a record field as a point in time. Strings are
// matched against timestampLayouts, numbers are seconds since the epoch.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, errEmptyTimestamp
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case bool, nil:
		return time.Time{}, fmt.Errorf("unrecognized timestamp %v", v)
	}

	seconds, err := cast.ToFloat64E(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp: %w", err)
	}
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
}

// resolveIndex returns the index a record is written to. In logstash format
// it also makes sure the record carries @timestamp.
func resolveIndex(ec effectiveConfig, record map[string]any, recordTime time.Time) (string, error) {
	if !ec.flag(optLogstashFormat) {
		return ec.str(optIndexName), nil
	}

	t := recordTime
	timeKey := ec.str(optTimeKey)
	if v, ok := record[timestampField]; ok {
		parsed, err := parseTimestamp(v)
		if err != nil {
			return "", fmt.Errorf("%s: %w", timestampField, err)
		}
		t = parsed
	} else if v, ok := record[timeKey]; ok && timeKey != "" {
		parsed, err := parseTimestamp(v)
		if err != nil {
			return "", fmt.Errorf("%s: %w", timeKey, err)
		}
		t = parsed
		record[timestampField] = v
	} else {
		record[timestampField] = recordTime.Format(time.RFC3339Nano)
	}
	return logstashIndex(ec, t), nil
}

func logstashIndex(ec effectiveConfig, t time.Time) string {
	if ec.flag(optUTCIndex) {
		t = t.UTC()
	} else {
		t = t.Local()
	}
	return ec.str(optLogstashPrefix) + "-" + timefmt.Format(t, ec.str(optLogstashDateFormat))
}
