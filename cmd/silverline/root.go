package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/silverline"
)

// Exit codes. Join timeouts are warnings and keep exitOK.
const (
	exitOK            = 0
	exitError         = 1
	exitProtocol      = 2
	exitRegistration  = 3
	exitUnknownTarget = 4
)

const (
	envPrefix         = "SILVERLINE"
	defaultConfigName = "silverline"
	defaultVerbosity  = 2
)

// NewRootCmd builds the silverline command tree. Every setting can also be
// given as SILVERLINE_<FLAG> in the environment or in a config file.
func NewRootCmd() *cobra.Command {
	return newRootCmd(viper.New())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "silverline",
		Short:         "Control and benchmark SilverLine runtimes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return readConfigFile(v)
		},
	}

	def := silverline.DefaultConfig()
	pf := root.PersistentFlags()
	pf.String("config", "", "Config file (yaml, json or toml); defaults to ./silverline.*")
	pf.String("transport", def.PubSubSystem, "Broker transport: mqtt, channel, nats, kafka or rabbitmq")
	pf.String("realm", def.Realm, "Realm prefix of the control topics")
	pf.String("cid", def.ClientID, "Broker client id prefix")
	pf.String("mqtt-url", def.MQTTURL, "MQTT broker URL")
	pf.String("mqtt-username", def.MQTTUsername, "MQTT username")
	pf.String("mqtt-password-file", def.MQTTPasswordFile, "File holding the MQTT password; SILVERLINE_MQTT_PASSWORD takes precedence")
	pf.Bool("mqtt-tls", def.MQTTTLS, "Use TLS for the MQTT connection")
	pf.Int("mqtt-qos", def.MQTTQoS, "MQTT quality of service (0, 1 or 2)")
	pf.Duration("mqtt-keepalive", def.MQTTKeepAlive, "MQTT keepalive interval")
	pf.Duration("mqtt-connect-timeout", def.MQTTConnectTimeout, "MQTT connect timeout")
	pf.String("nats-url", def.NATSURL, "NATS server URL")
	pf.StringSlice("kafka-brokers", def.KafkaBrokers, "Kafka broker addresses")
	pf.String("kafka-group", def.KafkaConsumerGroup, "Kafka consumer group")
	pf.String("rabbitmq-url", def.RabbitMQURL, "RabbitMQ URL")
	pf.String("orchestrator-url", def.OrchestratorURL, "Orchestrator REST API base URL")
	pf.Duration("join-timeout", def.JoinTimeout, "How long to wait for a module that stopped responding")
	pf.Bool("metrics", def.MetricsEnabled, "Expose Prometheus metrics")
	pf.Int("metrics-port", def.MetricsPort, "Port of the Prometheus metrics endpoint")
	pf.IntP("verbose", "v", defaultVerbosity, "Log verbosity: 0 error, 1 warn, 2 info, 3 debug, 4 trace")
	_ = v.BindPFlags(pf)
	_ = v.BindEnv("mqtt-password")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newRuntimeCmd(v),
		newRunCmd(v),
		newListCmd(v),
		newEchoCmd(v),
		newResetCmd(v),
		newStopModuleCmd(v),
		newStopRuntimeCmd(v),
	)
	return root
}

func readConfigFile(v *viper.Viper) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadConfig assembles a Config from flags, environment and config file.
func loadConfig(v *viper.Viper) (*silverline.Config, error) {
	cfg := silverline.DefaultConfig()
	cfg.PubSubSystem = v.GetString("transport")
	cfg.Realm = v.GetString("realm")
	cfg.ClientID = v.GetString("cid")
	cfg.MQTTURL = v.GetString("mqtt-url")
	cfg.MQTTUsername = v.GetString("mqtt-username")
	cfg.MQTTPassword = v.GetString("mqtt-password")
	cfg.MQTTPasswordFile = v.GetString("mqtt-password-file")
	cfg.MQTTTLS = v.GetBool("mqtt-tls")
	cfg.MQTTQoS = v.GetInt("mqtt-qos")
	cfg.MQTTKeepAlive = v.GetDuration("mqtt-keepalive")
	cfg.MQTTConnectTimeout = v.GetDuration("mqtt-connect-timeout")
	cfg.NATSURL = v.GetString("nats-url")
	cfg.KafkaBrokers = v.GetStringSlice("kafka-brokers")
	cfg.KafkaConsumerGroup = v.GetString("kafka-group")
	cfg.RabbitMQURL = v.GetString("rabbitmq-url")
	cfg.OrchestratorURL = v.GetString("orchestrator-url")
	cfg.JoinTimeout = v.GetDuration("join-timeout")
	cfg.MetricsEnabled = v.GetBool("metrics")
	cfg.MetricsPort = v.GetInt("metrics-port")

	if v.IsSet("runtime-id") {
		cfg.RuntimeID = v.GetString("runtime-id")
	}
	if v.IsSet("runtime-name") {
		cfg.RuntimeName = v.GetString("runtime-name")
	}
	if v.IsSet("runtime-apis") {
		cfg.RuntimeAPIs = v.GetStringSlice("runtime-apis")
	}
	if v.IsSet("reg-tick") {
		cfg.RegistrationTick = v.GetDuration("reg-tick")
	}
	if v.IsSet("reg-ticks") {
		cfg.RegistrationTicks = v.GetInt("reg-ticks")
	}

	if err := silverline.ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func newLogger(cmd *cobra.Command, v *viper.Viper) silverline.ServiceLogger {
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: silverline.ParseVerbosity(v.GetInt("verbose")),
	})
	return silverline.NewSlogServiceLogger(slog.New(handler))
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		protoErr   *silverline.ProtocolError
		regErr     *silverline.RegistrationTimeoutError
		unknownErr *silverline.UnknownTargetError
	)
	switch {
	case errors.As(err, &protoErr):
		return exitProtocol
	case errors.As(err, &regErr):
		return exitRegistration
	case errors.As(err, &unknownErr):
		return exitUnknownTarget
	default:
		return exitError
	}
}
