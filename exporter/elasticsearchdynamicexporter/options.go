// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"fmt"
	"maps"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"

	"github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter/internal/expand"
)

// Names of the templatable options.
const (
	optHosts              = "hosts"
	optHost               = "host"
	optPort               = "port"
	optScheme             = "scheme"
	optPath               = "path"
	optUser               = "user"
	optPassword           = "password"
	optIndexName          = "index_name"
	optTypeName           = "type_name"
	optIDKey              = "id_key"
	optParentKey          = "parent_key"
	optTagKey             = "tag_key"
	optIncludeTagKey      = "include_tag_key"
	optDelimiter          = "delimiter"
	optLogstashFormat     = "logstash_format"
	optLogstashPrefix     = "logstash_prefix"
	optLogstashDateFormat = "logstash_dateformat"
	optUTCIndex           = "utc_index"
	optTimeKey            = "time_key"
	optReloadConnections  = "reload_connections"
	optReloadOnFailure    = "reload_on_failure"
	optRequestTimeout     = "request_timeout"
	optSSLVerify          = "ssl_verify"
	optCAFile             = "ca_file"
	optClientCert         = "client_cert"
	optClientKey          = "client_key"
	optClientKeyPass      = "client_key_pass"
)

type optionKind int

const (
	stringOption optionKind = iota
	boolOption
	intOption
	durationOption
)

func (k optionKind) String() string {
	switch k {
	case boolOption:
		return "bool"
	case intOption:
		return "int"
	case durationOption:
		return "duration"
	default:
		return "string"
	}
}

// coerce converts a literal or a template result to the Go type used for
// the kind: string, bool, int or time.Duration. nil becomes the zero value.
func (k optionKind) coerce(v any) (any, error) {
	switch k {
	case boolOption:
		return cast.ToBoolE(v)
	case intOption:
		return cast.ToIntE(v)
	case durationOption:
		return toDuration(v)
	default:
		return cast.ToStringE(v)
	}
}

// toDuration accepts Go duration strings ("5s") and plain numbers, which
// are read as seconds.
func toDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return d, nil
	case bool:
		return 0, fmt.Errorf("unable to cast %#v of type %T to time.Duration", v, v)
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed, nil
		}
	}
	seconds, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("unable to cast %#v of type %T to time.Duration", v, v)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

type option struct {
	name  string
	kind  optionKind
	def   any
	value func(*Config) any
}

// options is the complete list of templatable settings. Structural settings
// (headers, retry) are read from Config directly.
var options = []option{
	{name: optHosts, kind: stringOption, def: "", value: func(c *Config) any { return c.Hosts }},
	{name: optHost, kind: stringOption, def: "localhost", value: func(c *Config) any { return c.Host }},
	{name: optPort, kind: intOption, def: 9200, value: func(c *Config) any { return c.Port }},
	{name: optScheme, kind: stringOption, def: "http", value: func(c *Config) any { return c.Scheme }},
	{name: optPath, kind: stringOption, def: "", value: func(c *Config) any { return c.Path }},
	{name: optUser, kind: stringOption, def: "", value: func(c *Config) any { return c.User }},
	{name: optPassword, kind: stringOption, def: "", value: func(c *Config) any { return c.Password }},
	{name: optIndexName, kind: stringOption, def: "fluentd", value: func(c *Config) any { return c.IndexName }},
	{name: optTypeName, kind: stringOption, def: "fluentd", value: func(c *Config) any { return c.TypeName }},
	{name: optIDKey, kind: stringOption, def: "", value: func(c *Config) any { return c.IDKey }},
	{name: optParentKey, kind: stringOption, def: "", value: func(c *Config) any { return c.ParentKey }},
	{name: optTagKey, kind: stringOption, def: "tag", value: func(c *Config) any { return c.TagKey }},
	{name: optIncludeTagKey, kind: boolOption, def: false, value: func(c *Config) any { return c.IncludeTagKey }},
	{name: optDelimiter, kind: stringOption, def: expand.DefaultDelimiter, value: func(c *Config) any { return c.Delimiter }},
	{name: optLogstashFormat, kind: boolOption, def: false, value: func(c *Config) any { return c.LogstashFormat }},
	{name: optLogstashPrefix, kind: stringOption, def: "logstash", value: func(c *Config) any { return c.LogstashPrefix }},
	{name: optLogstashDateFormat, kind: stringOption, def: "%Y.%m.%d", value: func(c *Config) any { return c.LogstashDateFormat }},
	{name: optUTCIndex, kind: boolOption, def: true, value: func(c *Config) any { return c.UTCIndex }},
	{name: optTimeKey, kind: stringOption, def: "", value: func(c *Config) any { return c.TimeKey }},
	{name: optReloadConnections, kind: boolOption, def: false, value: func(c *Config) any { return c.ReloadConnections }},
	{name: optReloadOnFailure, kind: boolOption, def: false, value: func(c *Config) any { return c.ReloadOnFailure }},
	{name: optRequestTimeout, kind: durationOption, def: 5 * time.Second, value: func(c *Config) any { return c.RequestTimeout }},
	{name: optSSLVerify, kind: boolOption, def: true, value: func(c *Config) any { return c.SSLVerify }},
	{name: optCAFile, kind: stringOption, def: "", value: func(c *Config) any { return c.CAFile }},
	{name: optClientCert, kind: stringOption, def: "", value: func(c *Config) any { return c.ClientCert }},
	{name: optClientKey, kind: stringOption, def: "", value: func(c *Config) any { return c.ClientKey }},
	{name: optClientKeyPass, kind: stringOption, def: "", value: func(c *Config) any { return c.ClientKeyPass }},
}

// destinationOptions decide which cluster a record is sent to and how the
// client for it is built.
var destinationOptions = []string{
	optHosts, optHost, optPort, optScheme, optPath, optUser, optPassword,
	optReloadConnections, optReloadOnFailure, optRequestTimeout,
	optSSLVerify, optCAFile, optClientCert, optClientKey, optClientKeyPass,
}

// effectiveConfig maps option names to resolved values. Every value has the
// Go type of its option kind.
type effectiveConfig map[string]any

func (ec effectiveConfig) str(name string) string {
	s, _ := ec[name].(string)
	return s
}

func (ec effectiveConfig) flag(name string) bool {
	b, _ := ec[name].(bool)
	return b
}

func (ec effectiveConfig) number(name string) int {
	n, _ := ec[name].(int)
	return n
}

func (ec effectiveConfig) duration(name string) time.Duration {
	d, _ := ec[name].(time.Duration)
	return d
}

// configResolver turns a Config into effective configurations. Literal and
// context free template options are resolved once, when the resolver is
// built; templates that read the tag or the record are kept and evaluated
// for every record.
type configResolver struct {
	expander *expand.Expander
	startup  effectiveConfig
	// templates holds the record dependent templates by option name.
	templates map[string]*expand.Template
	// static is the destination shared by all records, nil when any
	// destination option depends on the record.
	static *destination
}

func newConfigResolver(cfg *Config) (*configResolver, error) {
	delimiter, err := resolveDelimiter(cfg.Delimiter)
	if err != nil {
		return nil, err
	}

	r := &configResolver{
		expander:  expand.New(delimiter),
		startup:   make(effectiveConfig, len(options)),
		templates: make(map[string]*expand.Template),
	}

	var errs []error
	for _, opt := range options {
		if err := r.load(opt, opt.value(cfg)); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrConfiguration, opt.name, err))
		}
	}
	if len(errs) > 0 {
		return nil, multierr.Combine(errs...)
	}

	if !r.dependsOnRecord(destinationOptions...) {
		dest, err := destinationFor(r.startup)
		if err != nil {
			return nil, err
		}
		r.static = &dest
	}
	return r, nil
}

func resolveDelimiter(raw any) (string, error) {
	if raw == nil {
		return expand.DefaultDelimiter, nil
	}
	v, err := expand.New("").Expand(raw, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s must not depend on the record: %w", ErrConfiguration, optDelimiter, err)
	}
	delimiter, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrConfiguration, optDelimiter, err)
	}
	return delimiter, nil
}

func (r *configResolver) load(opt option, raw any) error {
	if raw == nil {
		r.startup[opt.name] = opt.def
		return nil
	}

	expression, ok := expand.Parse(raw)
	if !ok {
		v, err := opt.kind.coerce(raw)
		if err != nil {
			return err
		}
		r.startup[opt.name] = v
		return nil
	}

	tmpl, err := r.expander.Compile(expression)
	if err != nil {
		return err
	}
	if tmpl.Contextual() {
		r.templates[opt.name] = tmpl
		return nil
	}
	v, err := r.eval(opt, tmpl, nil)
	if err != nil {
		return err
	}
	r.startup[opt.name] = v
	return nil
}

func (r *configResolver) eval(opt option, tmpl *expand.Template, scope *expand.Scope) (any, error) {
	out, err := r.expander.Eval(tmpl, scope)
	if err != nil {
		return nil, err
	}
	v, err := opt.kind.coerce(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: result is not a %s: %w", expand.ErrExpansion, tmpl.Expression(), opt.kind, err)
	}
	return v, nil
}

func (r *configResolver) dependsOnRecord(names ...string) bool {
	for _, name := range names {
		if _, ok := r.templates[name]; ok {
			return true
		}
	}
	return false
}

// snapshot returns the effective configuration for scope. With a nil scope
// only the options resolved at startup are present. The returned map must
// not be modified.
func (r *configResolver) snapshot(scope *expand.Scope) (effectiveConfig, error) {
	if scope == nil || len(r.templates) == 0 {
		return r.startup, nil
	}

	ec := make(effectiveConfig, len(options))
	maps.Copy(ec, r.startup)
	for _, opt := range options {
		tmpl, ok := r.templates[opt.name]
		if !ok {
			continue
		}
		v, err := r.eval(opt, tmpl, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", opt.name, err)
		}
		ec[opt.name] = v
	}
	return ec, nil
}

// forRecord returns the effective configuration for a record with the given
// tag and fields.
func (r *configResolver) forRecord(tag string, fields map[string]any) (effectiveConfig, error) {
	return r.snapshot(&expand.Scope{Tag: tag, Record: fields})
}

// destination returns where a record with the effective configuration ec
// goes.
func (r *configResolver) destination(ec effectiveConfig) (destination, error) {
	if r.static != nil {
		return *r.static, nil
	}
	return destinationFor(ec)
}
