package config

import (
	"net/url"
)

const redactedValue = "[redacted]"

// Redacted returns a copy safe to print: secrets are masked and passwords are stripped from connection URLs.
func (c Config) Redacted() Config {
	out := c
	out.Database.URL = redactURL(c.Database.URL)
	out.Redis.URL = redactURL(c.Redis.URL)
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = redactedValue
	}
	if out.Vault.Secret != "" {
		out.Vault.Secret = redactedValue
	}
	if len(c.Alerts.Webhooks) > 0 {
		hooks := make([]string, len(c.Alerts.Webhooks))
		for i, h := range c.Alerts.Webhooks {
			hooks[i] = redactURL(h)
		}
		out.Alerts.Webhooks = hooks
	}
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactedValue
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	if u.RawQuery != "" {
		u.RawQuery = "xxxxx"
	}
	return u.String()
}
