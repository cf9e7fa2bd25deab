/*
Package connection parses and validates broker connection URLs.

Three forms are accepted:

	redis://[[user]:password@]host[:port][/db]
	rediss://[[user]:password@]host[:port][/db]
	unix://[[user]:password@]/path/to/socket[?db=N]

Any other scheme is rejected before a connection is attempted.
*/
package connection

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Scheme identifies how the broker is reached.
type Scheme string

const (
	SchemePlain  Scheme = "redis"
	SchemeSecure Scheme = "rediss"
	SchemeUnix   Scheme = "unix"
)

const (
	defaultHost = "localhost"
	defaultPort = 6379
)

// Descriptor is a validated connection URL. It is immutable once returned by Parse.
type Descriptor struct {
	Scheme   Scheme
	Host     string
	Port     int
	Path     string // socket path, unix scheme only
	Username string
	Password string
	DB       int
}

// Parse validates raw and returns its Descriptor. All failures match berr.ErrValidation.
func Parse(raw string) (Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		// url.Error echoes the raw input, password included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}

		return Descriptor{}, invalid("parse %q: %v", redact(raw), err)
	}

	d := Descriptor{Scheme: Scheme(strings.ToLower(u.Scheme))}

	switch d.Scheme {
	case SchemePlain, SchemeSecure:
		err = d.parseTCP(u)
	case SchemeUnix:
		err = d.parseUnix(u)
	default:
		return Descriptor{}, invalid("scheme %q not allowed", u.Scheme)
	}

	if err != nil {
		return Descriptor{}, err
	}

	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}

	return d, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(raw string) Descriptor {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}

	return d
}

func (d *Descriptor) parseTCP(u *url.URL) error {
	d.Host = u.Hostname()
	if d.Host == "" {
		d.Host = defaultHost
	}

	d.Port = defaultPort

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return invalid("invalid port %q", p)
		}

		d.Port = port
	}

	db := strings.Trim(u.Path, "/")
	if db == "" {
		db = u.Query().Get("db")
	}

	return d.setDB(db)
}

func (d *Descriptor) parseUnix(u *url.URL) error {
	d.Path = u.Path
	if d.Path == "" {
		// unix:tmp/redis.sock is opaque.
		d.Path = u.Opaque
	}

	if d.Path == "" || d.Path == "/" {
		return invalid("unix socket path required")
	}

	return d.setDB(u.Query().Get("db"))
}

func (d *Descriptor) setDB(raw string) error {
	if raw == "" {
		return nil
	}

	db, err := strconv.Atoi(raw)
	if err != nil || db < 0 {
		return invalid("invalid database index %q", raw)
	}

	d.DB = db

	return nil
}

// Network returns the dial network: "unix" for socket descriptors, "tcp" otherwise.
func (d Descriptor) Network() string {
	if d.Scheme == SchemeUnix {
		return "unix"
	}

	return "tcp"
}

// Addr returns host:port, or the socket path for unix descriptors.
func (d Descriptor) Addr() string {
	if d.Scheme == SchemeUnix {
		return d.Path
	}

	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// TLS reports whether the connection must be encrypted.
func (d Descriptor) TLS() bool { return d.Scheme == SchemeSecure }

// String renders the descriptor as a URL with the password masked.
func (d Descriptor) String() string {
	u := url.URL{Scheme: string(d.Scheme)}

	if d.Username != "" || d.Password != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.Username, "***")
		} else {
			u.User = url.User(d.Username)
		}
	}

	if d.Scheme == SchemeUnix {
		u.Path = d.Path
		u.RawQuery = url.Values{"db": {strconv.Itoa(d.DB)}}.Encode()

		return u.String()
	}

	u.Host = d.Addr()
	u.Path = "/" + strconv.Itoa(d.DB)

	return u.String()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("connection: %s: %w", fmt.Sprintf(format, args...), berr.ErrValidation)
}

// redact hides anything between the scheme and '@' so unparsable URLs never leak credentials into errors.
func redact(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw
	}

	scheme := strings.Index(raw, "://")
	if scheme < 0 || scheme > at {
		return "***@" + raw[at+1:]
	}

	return raw[:scheme+3] + "***@" + raw[at+1:]
}
