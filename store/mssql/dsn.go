package mssql

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/INLOpen/wellrelay/config"
)

// BuildDSN assembles a sqlserver:// connection string from the database
// settings. An explicit DSN wins. A named instance is resolved through the
// SQL Browser, so the port is left out in that case.
func BuildDSN(c config.DatabaseConfig) (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	if c.Host == "" {
		return "", fmt.Errorf("database host is required")
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Host,
	}
	if c.Instance != "" {
		u.Path = "/" + c.Instance
	} else if c.Port > 0 {
		u.Host = c.Host + ":" + strconv.Itoa(c.Port)
	}

	q := url.Values{}
	if c.Name != "" {
		q.Set("database", c.Name)
	}
	if c.Encrypt {
		q.Set("encrypt", "true")
	} else {
		q.Set("encrypt", "disable")
	}
	q.Set("app name", "wellrelay")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
