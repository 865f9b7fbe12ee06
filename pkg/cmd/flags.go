package cmd

import (
	"github.com/urfave/cli/v3"
)

// CommonFlags are shared by every long-running chatflow binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or memory://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "wake-scheduler",
			Usage:   "Where pending timers are indexed (db, redis)",
			Value:   "db",
			Sources: cli.EnvVars("WAKE_SCHEDULER"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL used by the redis wake scheduler",
			Value:   "redis://localhost:6379/0",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json, pretty)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// EventBusConfigFrom reads the event bus flags of command.
func EventBusConfigFrom(command *cli.Command, consumerGroup string) EventBusConfig {
	return EventBusConfig{
		Provider:      command.String("event-bus"),
		Brokers:       command.StringSlice("kafka-brokers"),
		ConsumerGroup: consumerGroup,
		OTELEnabled:   command.Bool("otel-enabled"),
	}
}
