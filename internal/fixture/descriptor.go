package fixture

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/xo/dburl"

	"dbharness/internal/storage"
)

// Descriptor is the connection information handed to application code. It is
// a plain value: copies never alias the registry's state.
type Descriptor struct {
	Kind     Kind
	Host     string
	Port     int
	Database string
	Username string
	Password string
	// Query holds extra URL parameters (already encoded), e.g. "sslmode=disable".
	Query string
}

// Address returns host:port.
func (d Descriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// URL renders the descriptor as a connection URL.
func (d Descriptor) URL() string {
	return d.url().String()
}

// Redacted renders the URL with the password masked, for logs.
func (d Descriptor) Redacted() string {
	return d.url().Redacted()
}

func (d Descriptor) url() *url.URL {
	if d.Kind == KindSQLite {
		return &url.URL{Scheme: "sqlite", Opaque: d.Database, RawQuery: d.Query}
	}
	u := &url.URL{
		Scheme:   scheme(d.Kind),
		Host:     d.Address(),
		Path:     "/" + d.Database,
		RawQuery: d.Query,
	}
	switch {
	case d.Username != "" && d.Password != "":
		u.User = url.UserPassword(d.Username, d.Password)
	case d.Username != "":
		u.User = url.User(d.Username)
	case d.Password != "":
		u.User = url.UserPassword("", d.Password)
	}
	return u
}

// DSN renders the form the standard driver expects. Only MySQL and SQLite
// differ from URL().
func (d Descriptor) DSN() string {
	switch d.Kind {
	case KindMySQL:
		cfg := mysql.NewConfig()
		cfg.User = d.Username
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = d.Address()
		cfg.DBName = d.Database
		cfg.ParseTime = true
		cfg.MultiStatements = true
		return cfg.FormatDSN()
	case KindSQLite:
		q := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		if d.Query != "" {
			q = d.Query
		}
		return d.Database + "?" + q
	default:
		return d.URL()
	}
}

// StorageConfig converts the descriptor into a storage connection config.
func (d Descriptor) StorageConfig() storage.Config {
	cfg := storage.Config{DSN: d.DSN(), Database: d.Database}
	switch d.Kind {
	case KindPostgres:
		cfg.Type = storage.TypePostgreSQL
	case KindMySQL:
		cfg.Type = storage.TypeMySQL
	case KindMongoDB:
		cfg.Type = storage.TypeMongoDB
	case KindRedis:
		cfg.Type = storage.TypeRedis
	case KindSQLite:
		cfg.Type = storage.TypeSQLite
	}
	return cfg
}

func scheme(k Kind) string {
	switch k {
	case KindPostgres:
		return "postgres"
	case KindMySQL:
		return "mysql"
	case KindMongoDB:
		return "mongodb"
	case KindRedis:
		return "redis"
	default:
		return string(k)
	}
}

func defaultQuery(k Kind) string {
	switch k {
	case KindPostgres:
		return "sslmode=disable"
	case KindMongoDB:
		return "authSource=admin"
	default:
		return ""
	}
}

// ParseURL builds a descriptor from a connection URL, the form accepted in
// DATABASE_URL. SQL schemes go through dburl so its aliases (pg, pgsql, my,
// maria, sq, file) are understood.
func ParseURL(raw string) (Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid database URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mongodb":
		return fromNetURL(KindMongoDB, u, 27017), nil
	case "redis":
		return fromNetURL(KindRedis, u, 6379), nil
	}

	du, err := dburl.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid database URL: %w", err)
	}
	switch kindForDriver(du.UnaliasedDriver, du.Driver, du.Scheme) {
	case KindPostgres:
		return fromNetURL(KindPostgres, &du.URL, 5432), nil
	case KindMySQL:
		return fromNetURL(KindMySQL, &du.URL, 3306), nil
	case KindSQLite:
		path := du.Opaque
		if path == "" {
			path = du.Path
		}
		return Descriptor{Kind: KindSQLite, Database: path, Query: du.RawQuery}, nil
	default:
		return Descriptor{}, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
}

func kindForDriver(names ...string) Kind {
	for _, s := range names {
		switch s {
		case "postgres", "pg", "pgx", "postgresql", "pgsql":
			return KindPostgres
		case "mysql", "my", "mariadb", "maria", "percona", "aurora":
			return KindMySQL
		case "sqlite", "sqlite3", "sq", "file", "moderncsqlite":
			return KindSQLite
		}
	}
	return ""
}

func fromNetURL(kind Kind, u *url.URL, defaultPort int) Descriptor {
	d := Descriptor{
		Kind:     kind,
		Host:     u.Hostname(),
		Port:     defaultPort,
		Database: strings.TrimPrefix(u.Path, "/"),
		Query:    u.RawQuery,
	}
	if p, err := strconv.Atoi(u.Port()); err == nil {
		d.Port = p
	}
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	return d
}
