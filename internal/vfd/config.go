package vfd

import "time"

// Config holds VFD gateway settings, loaded from the environment.
type Config struct {
	BaseURL        string        `envconfig:"VFD_API_BASE" default:"https://api-devapps.vfdbank.systems/vtech-cards/api/v2/baas-cards"`
	TokenURL       string        `envconfig:"VFD_TOKEN_URL" default:"https://api-devapps.vfdbank.systems/vfd-tech/baas-portal/v1/baasauth/token"`
	AccessToken    string        `envconfig:"VFD_ACCESS_TOKEN"`
	ConsumerKey    string        `envconfig:"VFD_CONSUMER_KEY"`
	ConsumerSecret string        `envconfig:"VFD_CONSUMER_SECRET"`
	Timeout        time.Duration `envconfig:"VFD_TIMEOUT" default:"30s"`
}

// HasBasicCredentials reports whether consumer key/secret auth is configured.
func (c Config) HasBasicCredentials() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != ""
}
