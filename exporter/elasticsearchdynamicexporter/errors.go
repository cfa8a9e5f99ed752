// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for settings that can never produce a
	// usable destination, such as a user without a password or a malformed
	// host entry.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrConnectionFailure is returned when the cluster does not answer the
	// connectivity probe while a client is being opened.
	ErrConnectionFailure = errors.New("can not reach Elasticsearch cluster")
)

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
