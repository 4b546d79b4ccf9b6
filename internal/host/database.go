package host

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"superd/internal/executor"
	"superd/internal/fault"
)

// SQL identifiers are interpolated into statements passed to mysql -e, so
// they are limited to a charset that needs no quoting.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

func checkIdentifier(v, what string) error {
	if !identifierPattern.MatchString(v) {
		return fault.BadParamf("Invalid %s: %s", what, v)
	}
	return nil
}

// quoteSQLString renders s as a single-quoted MySQL string literal.
func quoteSQLString(s string) (string, error) {
	if strings.ContainsAny(s, "\x00\n\r") {
		return "", fault.BadParamf("Invalid password: control characters are not allowed")
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'", nil
}

// Database describes a database and the account granted access to it.
type Database struct {
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"-"`
	Type     string `json:"type"`
}

// CreateDatabase creates the database and its user, grants access and
// records the metadata.
func (h *Host) CreateDatabase(ctx context.Context, db Database) (string, error) {
	if db.Type == "" {
		db.Type = "mysql"
	}
	if db.Type != "mysql" {
		return "", fault.New(fault.BadParam, "Only MySQL is supported for now")
	}
	if err := checkIdentifier(db.Name, "database name"); err != nil {
		return "", err
	}
	if err := checkIdentifier(db.User, "database user"); err != nil {
		return "", err
	}
	password, err := quoteSQLString(db.Password)
	if err != nil {
		return "", err
	}

	create := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", db.Name)
	if err := h.mysqlExec(ctx, create); err != nil {
		if fault.Is(err, fault.External) {
			return "", fault.Wrap(fault.External, err, fmt.Sprintf("Failed to create database %s", db.Name))
		}
		return "", err
	}

	grant := fmt.Sprintf(
		"CREATE USER IF NOT EXISTS '%s'@'localhost' IDENTIFIED BY %s; "+
			"GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'localhost'; "+
			"FLUSH PRIVILEGES;",
		db.User, password, db.Name, db.User)
	if err := h.mysqlExec(ctx, grant); err != nil {
		if fault.Is(err, fault.External) {
			return "", fault.Wrap(fault.External, err, fmt.Sprintf("Failed to create or grant privileges for %s", db.User))
		}
		return "", err
	}

	if err := h.databases.put(db.Name, db); err != nil {
		return "", err
	}

	h.logger.Info("database created", "database", db.Name, "user", db.User)
	return fmt.Sprintf("Database %s created and user %s granted access", db.Name, db.User), nil
}

// DeleteDatabase drops the database and its metadata record.
func (h *Host) DeleteDatabase(ctx context.Context, name string) (string, error) {
	if err := checkIdentifier(name, "database name"); err != nil {
		return "", err
	}

	if err := h.mysqlExec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)); err != nil {
		if fault.Is(err, fault.External) {
			return "", fault.Wrap(fault.External, err, fmt.Sprintf("Failed to drop database %s", name))
		}
		return "", err
	}

	if err := h.databases.remove(name); err != nil {
		return "", err
	}

	h.logger.Info("database deleted", "database", name)
	return fmt.Sprintf("Database %s deleted", name), nil
}

// ListDatabases returns the names of recorded databases.
func (h *Host) ListDatabases() ([]string, error) {
	return h.databases.list()
}

// DatabaseSize returns data plus index size of a schema in bytes.
func (h *Host) DatabaseSize(ctx context.Context, name string) (uint64, error) {
	if err := checkIdentifier(name, "database name"); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(
		"SELECT SUM(data_length + index_length) FROM information_schema.TABLES WHERE table_schema = '%s'", name)
	res, err := h.runner.Run(ctx, executor.Command{Name: "mysql", Args: []string{"-N", "-s", "-e", query}})
	if err != nil {
		return 0, err
	}
	if !res.Success() {
		return 0, fault.Externalf("Failed to get database size: %s", strings.TrimSpace(res.Stderr))
	}

	out := strings.TrimSpace(res.Stdout)
	if out == "" || out == "NULL" {
		return 0, nil
	}
	// SUM() yields a DECIMAL; drop any fractional part.
	if i := strings.IndexByte(out, '.'); i >= 0 {
		out = out[:i]
	}
	size, err := strconv.ParseUint(out, 10, 64)
	if err != nil {
		return 0, fault.Wrap(fault.External, err, fmt.Sprintf("Failed to get database size: unexpected output %q", out))
	}
	return size, nil
}

func (h *Host) mysqlExec(ctx context.Context, sql string) error {
	res, err := h.runner.Run(ctx, executor.Command{Name: "mysql", Args: []string{"-e", sql}})
	if err != nil {
		return err
	}
	return executor.Check(res, "run", "mysql statement")
}
