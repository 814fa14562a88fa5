package config

import "fmt"

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Metabase.URL == "" {
		return fmt.Errorf("metabase url is required")
	}
	if c.Metabase.APIKey == "" && c.Metabase.SessionID == "" &&
		(c.Metabase.Username == "" || c.Metabase.Password == "") {
		return fmt.Errorf("metabase credentials, session id or API key required")
	}
	return nil
}
