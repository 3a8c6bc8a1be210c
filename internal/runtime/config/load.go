package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override read by Load.
const EnvPrefix = "TICKETBUS_"

// Load reads a YAML file (optional when path is empty), applies TICKETBUS_*
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	return &cfg, nil
}

type envLookup func(key string) (string, bool)

func (c *Config) applyEnv(lookup envLookup) error {
	strs := map[string]*string{
		"PUBSUB_SYSTEM":              &c.PubSubSystem,
		"KAFKA_CONSUMER_GROUP":       &c.KafkaConsumerGroup,
		"RABBITMQ_URL":               &c.RabbitMQURL,
		"NATS_URL":                   &c.NATSURL,
		"HTTP_SERVER_ADDRESS":        &c.HTTPServerAddress,
		"HTTP_PUBLISHER_URL":         &c.HTTPPublisherURL,
		"AWS_REGION":                 &c.AWSRegion,
		"AWS_ACCOUNT_ID":             &c.AWSAccountID,
		"AWS_ACCESS_KEY_ID":          &c.AWSAccessKeyID,
		"AWS_SECRET_ACCESS_KEY":      &c.AWSSecretAccessKey,
		"AWS_ENDPOINT":               &c.AWSEndpoint,
		"INBOX_QUEUE":                &c.InboxQueue,
		"REGISTRY_ENDPOINT_TEMPLATE": &c.RegistryEndpointTemplate,
		"REGISTRY_DEFAULT_TRANSPORT": &c.RegistryDefaultTransport,
		"AUDIT_DRIVER":               &c.AuditDriver,
		"AUDIT_DSN":                  &c.AuditDSN,
		"LOG_BACKEND":                &c.LogBackend,
		"LOG_LEVEL":                  &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok {
		c.KafkaBrokers = splitList(v)
	}

	ints := map[string]*int{
		"BREAKER_THRESHOLD":       &c.BreakerThreshold,
		"DEAD_LETTER_MAX_RETRIES": &c.DeadLetterMaxRetries,
		"DRAIN_BATCH_SIZE":        &c.DrainBatchSize,
		"DRAIN_CONCURRENCY":       &c.DrainConcurrency,
		"METRICS_PORT":            &c.MetricsPort,
		"ADMIN_PORT":              &c.AdminPort,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"BREAKER_TIMEOUT":   &c.BreakerTimeout,
		"POLL_IDLE_BACKOFF": &c.PollIdleBackoff,
		"RECEIVE_TIMEOUT":   &c.ReceiveTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"METRICS_ENABLED": &c.MetricsEnabled,
		"ADMIN_ENABLED":   &c.AdminEnabled,
	}
	for key, dst := range bools {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup(EnvPrefix + "ADMIN_CORS_ALLOWED_ORIGINS"); ok {
		c.AdminCORSAllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
