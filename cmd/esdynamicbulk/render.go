// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main // import "github.com/open-telemetry/esdynamic-collector/cmd/esdynamicbulk"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/collector/confmap"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"
)

const maxRecordSize = 4 << 20

var errMissingConfig = errors.New("--config is required")

type renderConfig struct {
	ConfigFile string
	InputFile  string
	Verbose    bool
}

func newRenderConfig() *renderConfig {
	return &renderConfig{InputFile: "-"}
}

// Flags registers config flags.
func (c *renderConfig) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "Exporter settings as YAML. Templates are written ${...}, without the collector $$ escape")
	fs.StringVar(&c.InputFile, "input", c.InputFile, `Records as NDJSON, one {"tag":..., "time":..., "record":{...}} per line. "-" reads stdin`)
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "Log at debug level")
}

// inputRecord is one line of the input file. time is either seconds since
// the epoch or a date string; the current time is used when it is missing.
type inputRecord struct {
	Tag    string `json:"tag"`
	Time   any    `json:"time"`
	Record any    `json:"record"`
}

func render(out io.Writer, cfg *renderConfig) error {
	if cfg.ConfigFile == "" {
		return errMissingConfig
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	expCfg, err := loadExporterConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}

	in := io.Reader(os.Stdin)
	if cfg.InputFile != "-" {
		f, err := os.Open(cfg.InputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	ld, err := readRecords(in)
	if err != nil {
		return err
	}

	requests, err := elasticsearchdynamicexporter.RenderBulk(expCfg, ld, logger)
	if err != nil {
		return err
	}
	for _, req := range requests {
		if _, err := fmt.Fprintf(out, "# %s (%d documents)\n", req.Destination, req.Records); err != nil {
			return err
		}
		if _, err := out.Write(req.Body); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zapCfg := zap.NewDevelopmentConfig()
	if !verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return zapCfg.Build()
}

func loadExporterConfig(path string) (*elasticsearchdynamicexporter.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var settings map[string]any
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}

	cfg := elasticsearchdynamicexporter.NewFactory().CreateDefaultConfig().(*elasticsearchdynamicexporter.Config)
	if err := confmap.NewFromStringMap(settings).Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("cannot load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseRecordTime reads JSON numbers as seconds since the epoch, with an
// optional fraction, and anything else as a date.
func parseRecordTime(v any) (time.Time, error) {
	if seconds, ok := v.(float64); ok {
		whole, frac := math.Modf(seconds)
		return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
	}
	return cast.ToTimeE(v)
}

func readRecords(r io.Reader) (plog.Logs, error) {
	ld := plog.NewLogs()
	lrs := ld.ResourceLogs().AppendEmpty().ScopeLogs().AppendEmpty().LogRecords()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec inputRecord
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return plog.Logs{}, fmt.Errorf("line %d: %w", line, err)
		}

		lr := lrs.AppendEmpty()
		lr.Attributes().PutStr(elasticsearchdynamicexporter.TagAttribute, rec.Tag)
		if rec.Time != nil {
			t, err := parseRecordTime(rec.Time)
			if err != nil {
				return plog.Logs{}, fmt.Errorf("line %d: time: %w", line, err)
			}
			lr.SetTimestamp(pcommon.NewTimestampFromTime(t))
		}
		if err := lr.Body().FromRaw(rec.Record); err != nil {
			return plog.Logs{}, fmt.Errorf("line %d: record: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return plog.Logs{}, err
	}
	return ld, nil
}
