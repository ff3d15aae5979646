package ygggo_odbc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	mysql "github.com/go-sql-driver/mysql"
)

// ConnString is a parsed ODBC-style connection string: Key=Value pairs
// separated by ';'. Keys are case-insensitive; values may be wrapped in braces.
type ConnString map[string]string

// ParseConnString parses "Driver=mysql;Server=db;Port=3306;UID=app;PWD={p;w}".
func ParseConnString(s string) (ConnString, error) {
	cs := ConnString{}
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ';' || s[i] == ' ') {
			i++
		}
		if i >= len(s) { break }
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("connection string: missing '=' after %q", s[i:])
		}
		key := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		if key == "" {
			return nil, fmt.Errorf("connection string: empty key at offset %d", i)
		}
		i += eq + 1
		var val string
		if i < len(s) && s[i] == '{' {
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("connection string: unterminated brace for %s", key)
			}
			val = s[i+1 : i+end]
			i += end + 1
		} else {
			end := strings.IndexByte(s[i:], ';')
			if end < 0 { end = len(s) - i }
			val = strings.TrimSpace(s[i : i+end])
			i += end
		}
		cs[key] = val
	}
	return cs, nil
}

// Get returns the value for key, case-insensitively.
func (cs ConnString) Get(key string) string { return cs[strings.ToLower(key)] }

// Driver returns the backend name, lower-cased.
func (cs ConnString) Driver() string { return strings.ToLower(cs.Get("driver")) }

// String renders the pairs in stable key order, bracing values that need it.
func (cs ConnString) String() string {
	keys := make([]string, 0, len(cs))
	for k := range cs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := cs[k]
		if strings.ContainsAny(v, ";{} ") {
			v = "{" + v + "}"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

// Redacted renders the connection string with its password masked.
func (cs ConnString) Redacted() string {
	c := make(ConnString, len(cs))
	for k, v := range cs {
		if k == "pwd" || k == "password" {
			v = "****"
		}
		c[k] = v
	}
	return c.String()
}

// MySQLDSN converts the pairs to a go-sql-driver/mysql DSN.
// Unknown keys are passed through as DSN parameters.
func (cs ConnString) MySQLDSN() (string, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	host := firstNonEmpty(cs.Get("server"), cs.Get("host"), "127.0.0.1")
	port := firstNonEmpty(cs.Get("port"), "3306")
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("connection string: invalid port %q", port)
	}
	cfg.Addr = host + ":" + port
	cfg.User = firstNonEmpty(cs.Get("uid"), cs.Get("user"))
	cfg.Passwd = firstNonEmpty(cs.Get("pwd"), cs.Get("password"))
	cfg.DBName = firstNonEmpty(cs.Get("database"), cs.Get("dbname"))
	cfg.MultiStatements = true
	cfg.ParseTime = true
	if v := cs.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return "", fmt.Errorf("connection string: invalid timeout %q", v)
		}
		cfg.Timeout = d
	}

	known := map[string]bool{
		"driver": true, "server": true, "host": true, "port": true, "uid": true, "user": true,
		"pwd": true, "password": true, "database": true, "dbname": true, "timeout": true,
	}
	for k, v := range cs {
		if known[k] { continue }
		if cfg.Params == nil { cfg.Params = map[string]string{} }
		cfg.Params[k] = v
	}
	return cfg.FormatDSN(), nil
}

// SQLitePath returns the database path of a sqlite connection string.
func (cs ConnString) SQLitePath() string {
	return firstNonEmpty(cs.Get("database"), cs.Get("data source"), ":memory:")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" { return v }
	}
	return ""
}

// ConnStringBuilder builds ODBC-style connection strings fluently.
type ConnStringBuilder struct {
	cs ConnString
}

// NewConnStringBuilder creates a builder for the given backend driver name.
func NewConnStringBuilder(driver string) *ConnStringBuilder {
	return &ConnStringBuilder{cs: ConnString{"driver": driver}}
}

func (b *ConnStringBuilder) Server(host string) *ConnStringBuilder { return b.Set("server", host) }

func (b *ConnStringBuilder) Port(port int) *ConnStringBuilder {
	return b.Set("port", strconv.Itoa(port))
}

func (b *ConnStringBuilder) User(user string) *ConnStringBuilder { return b.Set("uid", user) }

func (b *ConnStringBuilder) Password(pwd string) *ConnStringBuilder { return b.Set("pwd", pwd) }

func (b *ConnStringBuilder) Database(name string) *ConnStringBuilder {
	return b.Set("database", name)
}

// Timeout sets the native connect timeout.
func (b *ConnStringBuilder) Timeout(d time.Duration) *ConnStringBuilder {
	return b.Set("timeout", d.String())
}

// Set sets an arbitrary key.
func (b *ConnStringBuilder) Set(key, value string) *ConnStringBuilder {
	if value == "" {
		delete(b.cs, strings.ToLower(key))
		return b
	}
	b.cs[strings.ToLower(key)] = value
	return b
}

// Build returns the connection string.
func (b *ConnStringBuilder) Build() string { return b.cs.String() }

// Validate checks the pairs needed by the selected driver.
func (b *ConnStringBuilder) Validate() error {
	switch b.cs.Driver() {
	case "":
		return fmt.Errorf("connection string: driver is required")
	case "mysql":
		if b.cs.Get("server") == "" {
			return fmt.Errorf("connection string: server is required for mysql")
		}
	}
	return nil
}
