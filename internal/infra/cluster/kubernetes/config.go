package kubernetes

import "time"

// Config locates the lease used for leader election.
type Config struct {
	Namespace string `mapstructure:"namespace"`
	LeaseName string `mapstructure:"lease_name"`
	// Identity distinguishes this instance, usually the pod name.
	Identity      string        `mapstructure:"identity"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

func (c *Config) withDefaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RenewDeadline <= 0 {
		c.RenewDeadline = 10 * time.Second
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = 2 * time.Second
	}
}
