package fixture

import (
	"fmt"
	"maps"
	"path"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/go-connections/nat"
)

// Kind identifies the database family behind an image.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindMongoDB  Kind = "mongodb"
	KindRedis    Kind = "redis"
	// KindSQLite is never launched; it only appears in descriptors parsed
	// from DATABASE_URL.
	KindSQLite Kind = "sqlite"
)

// backend describes how to run and address one database family.
type backend struct {
	kind Kind
	port nat.Port

	// Environment variable names carrying credentials. Empty means the image
	// has no such setting.
	userVar     string
	passwordVar string
	databaseVar string

	defaultEnv map[string]string
}

const (
	defaultUser     = "test"
	defaultPassword = "test"
	defaultDatabase = "dbharness_test"
)

var backends = map[Kind]backend{
	KindPostgres: {
		kind:        KindPostgres,
		port:        "5432/tcp",
		userVar:     "POSTGRES_USER",
		passwordVar: "POSTGRES_PASSWORD",
		databaseVar: "POSTGRES_DB",
		defaultEnv: map[string]string{
			"POSTGRES_USER":     defaultUser,
			"POSTGRES_PASSWORD": defaultPassword,
			"POSTGRES_DB":       defaultDatabase,
		},
	},
	KindMySQL: {
		kind:        KindMySQL,
		port:        "3306/tcp",
		userVar:     "MYSQL_USER",
		passwordVar: "MYSQL_PASSWORD",
		databaseVar: "MYSQL_DATABASE",
		defaultEnv: map[string]string{
			"MYSQL_USER":          defaultUser,
			"MYSQL_PASSWORD":      defaultPassword,
			"MYSQL_ROOT_PASSWORD": defaultPassword,
			"MYSQL_DATABASE":      defaultDatabase,
		},
	},
	KindMongoDB: {
		kind:        KindMongoDB,
		port:        "27017/tcp",
		userVar:     "MONGO_INITDB_ROOT_USERNAME",
		passwordVar: "MONGO_INITDB_ROOT_PASSWORD",
		databaseVar: "MONGO_INITDB_DATABASE",
		defaultEnv: map[string]string{
			"MONGO_INITDB_ROOT_USERNAME": defaultUser,
			"MONGO_INITDB_ROOT_PASSWORD": defaultPassword,
			"MONGO_INITDB_DATABASE":      defaultDatabase,
		},
	},
	KindRedis: {
		kind:       KindRedis,
		port:       "6379/tcp",
		defaultEnv: map[string]string{},
	},
}

// repositoryKinds maps the last path element of an image repository to a
// backend. Forks that keep the upstream entrypoint are listed with it.
var repositoryKinds = map[string]Kind{
	"postgres":                 KindPostgres,
	"postgis":                  KindPostgres,
	"timescaledb":              KindPostgres,
	"mysql":                    KindMySQL,
	"mariadb":                  KindMySQL,
	"percona-server":           KindMySQL,
	"mongo":                    KindMongoDB,
	"mongodb-community-server": KindMongoDB,
	"redis":                    KindRedis,
	"valkey":                   KindRedis,
}

// parseImage validates an image tag and returns its normalized form, e.g.
// "postgres:16" becomes "docker.io/library/postgres:16". An untagged image
// gets ":latest".
func parseImage(image string) (reference.Named, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("image is empty")
	}
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return nil, err
	}
	return reference.TagNameOnly(named), nil
}

// resolveBackend picks the backend for an image. An explicit kind wins over
// the repository name.
func resolveBackend(named reference.Named, explicit Kind) (backend, error) {
	if explicit != "" {
		b, ok := backends[explicit]
		if !ok {
			return backend{}, fmt.Errorf("unsupported backend %q", explicit)
		}
		return b, nil
	}
	repo := path.Base(reference.Path(named))
	kind, ok := repositoryKinds[repo]
	if !ok {
		return backend{}, fmt.Errorf("no backend known for repository %q", repo)
	}
	return backends[kind], nil
}

// mergeEnv overlays the caller's environment on the backend defaults.
func (b backend) mergeEnv(env map[string]string) map[string]string {
	merged := maps.Clone(b.defaultEnv)
	if merged == nil {
		merged = map[string]string{}
	}
	maps.Copy(merged, env)
	// MySQL refuses to create MYSQL_USER=root.
	if b.kind == KindMySQL && merged["MYSQL_USER"] == "root" {
		delete(merged, "MYSQL_USER")
		delete(merged, "MYSQL_PASSWORD")
		merged["MYSQL_ROOT_PASSWORD"] = firstNonEmpty(env["MYSQL_PASSWORD"], env["MYSQL_ROOT_PASSWORD"], defaultPassword)
	}
	return merged
}

// credentials extracts user, password and database from a merged env.
func (b backend) credentials(env map[string]string) (user, password, database string) {
	switch b.kind {
	case KindRedis:
		return "", env["REDIS_PASSWORD"], "0"
	case KindMySQL:
		if _, ok := env["MYSQL_USER"]; !ok {
			return "root", env["MYSQL_ROOT_PASSWORD"], env[b.databaseVar]
		}
	}
	return env[b.userVar], env[b.passwordVar], env[b.databaseVar]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
