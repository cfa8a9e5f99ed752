// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elasticsearchdynamicexporter // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter"

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maskedPassword = "obfuscated"

// legacyHost matches "host" and "host:port" entries: no scheme, path or
// credentials.
var legacyHost = regexp.MustCompile(`^[^:/@\s]+(:\d+)?$`)

// connectionTarget is one node the client may send requests to.
type connectionTarget struct {
	Host     string
	Port     int
	Scheme   string
	User     string
	Password string
	Path     string
}

// URL returns the address handed to the Elasticsearch client, credentials
// included.
func (t connectionTarget) URL() *url.URL {
	return t.url(t.Password)
}

// String returns the address with the password masked.
func (t connectionTarget) String() string {
	return t.url(maskedPassword).String()
}

func (t connectionTarget) url(password string) *url.URL {
	u := &url.URL{
		Scheme: t.Scheme,
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   t.Path,
	}
	if t.User != "" {
		u.User = url.UserPassword(t.User, password)
	}
	return u
}

// resolveHosts returns the connection targets configured in ec, in
// declaration order.
func resolveHosts(ec effectiveConfig) ([]connectionTarget, error) {
	user, password := ec.str(optUser), ec.str(optPassword)
	if user != "" && password == "" {
		return nil, configError("password must be set when user is set")
	}

	var targets []connectionTarget
	if hosts := ec.str(optHosts); hosts != "" {
		for _, token := range strings.Split(hosts, ",") {
			target, err := parseHost(strings.TrimSpace(token), ec)
			if err != nil {
				return nil, err
			}
			targets = append(targets, target)
		}
	} else {
		host := ec.str(optHost)
		if host == "" {
			return nil, configError("host must not be empty")
		}
		targets = []connectionTarget{{
			Host:   host,
			Port:   ec.number(optPort),
			Scheme: ec.str(optScheme),
		}}
	}

	path := ec.str(optPath)
	for i := range targets {
		if targets[i].User == "" && user != "" {
			targets[i].User = user
			targets[i].Password = password
		}
		if targets[i].Path == "" && path != "" {
			targets[i].Path = path
		}
	}
	return targets, nil
}

func parseHost(token string, ec effectiveConfig) (connectionTarget, error) {
	if token == "" {
		return connectionTarget{}, configError("empty entry in hosts")
	}

	if legacyHost.MatchString(token) {
		target := connectionTarget{
			Host:   token,
			Port:   ec.number(optPort),
			Scheme: ec.str(optScheme),
		}
		if host, port, found := strings.Cut(token, ":"); found {
			n, err := strconv.Atoi(port)
			if err != nil {
				return connectionTarget{}, configError("invalid port in host %q", token)
			}
			target.Host, target.Port = host, n
		}
		return target, nil
	}

	u, err := url.Parse(token)
	if err != nil {
		return connectionTarget{}, configError("malformed host %q: %v", token, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return connectionTarget{}, configError("host %q is neither host[:port] nor a URL", token)
	}

	target := connectionTarget{
		Host:   u.Hostname(),
		Scheme: u.Scheme,
		Path:   u.Path,
	}
	switch port := u.Port(); {
	case port != "":
		if target.Port, err = strconv.Atoi(port); err != nil {
			return connectionTarget{}, configError("invalid port in host %q", token)
		}
	case u.Scheme == "https":
		target.Port = 443
	case u.Scheme == "http":
		target.Port = 80
	default:
		target.Port = ec.number(optPort)
	}
	if u.User != nil {
		target.User = u.User.Username()
		target.Password, _ = u.User.Password()
	}
	return target, nil
}

// destination identifies an Elasticsearch cluster and the settings of the
// client talking to it. Records with equal keys share a client and a bulk
// request.
type destination struct {
	key     string
	targets []connectionTarget

	reloadConnections bool
	reloadOnFailure   bool
	requestTimeout    time.Duration

	sslVerify     bool
	caFile        string
	clientCert    string
	clientKey     string
	clientKeyPass string
}

func destinationFor(ec effectiveConfig) (destination, error) {
	targets, err := resolveHosts(ec)
	if err != nil {
		return destination{}, err
	}
	d := destination{
		targets:           targets,
		reloadConnections: ec.flag(optReloadConnections),
		reloadOnFailure:   ec.flag(optReloadOnFailure),
		requestTimeout:    ec.duration(optRequestTimeout),
		sslVerify:         ec.flag(optSSLVerify),
		caFile:            ec.str(optCAFile),
		clientCert:        ec.str(optClientCert),
		clientKey:         ec.str(optClientKey),
		clientKeyPass:     ec.str(optClientKeyPass),
	}
	d.key = fmt.Sprintf("%s|%t|%t|%s|%t|%s|%s|%s|%s",
		strings.Join(d.addresses(), ","),
		d.reloadConnections, d.reloadOnFailure, d.requestTimeout,
		d.sslVerify, d.caFile, d.clientCert, d.clientKey, d.clientKeyPass)
	return d, nil
}

// addresses returns the target URLs for the client configuration.
func (d destination) addresses() []string {
	out := make([]string, len(d.targets))
	for i, t := range d.targets {
		out[i] = t.URL().String()
	}
	return out
}

// String describes the targets without passwords, for logs and errors.
func (d destination) String() string {
	parts := make([]string, len(d.targets))
	for i, t := range d.targets {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}
