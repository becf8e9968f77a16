// Command razor runs the strategy execution service and offers a status
// view over the shared journal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/exchange"
	"github.com/quantbyte/razor/exchange/deribit"
	"github.com/quantbyte/razor/logger"
	zlog "github.com/quantbyte/razor/logger/zerolog"
	"github.com/quantbyte/razor/notification"
	"github.com/quantbyte/razor/razor"
	"github.com/quantbyte/razor/storage"
	"github.com/quantbyte/razor/supervisor"
)

var (
	cfgFile  string
	logLevel string
	jsonLogs bool
	stale    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "razor",
		Short:   "Multi-user strategy execution core for Deribit perpetuals",
		Version: "1.0.0",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./razor.yml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (trace..error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON log lines")

	rootCmd.AddCommand(buildRunCmd(), buildStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("razor")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.razor")
	}
	viper.SetEnvPrefix("RAZOR")
	viper.AutomaticEnv()

	viper.SetDefault("environment", string(core.EnvTestnet))
	viper.SetDefault("storage.driver", "buntdb")
	viper.SetDefault("storage.path", "razor.db")
	viper.SetDefault("paper.balance", 10000)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func openStorage() (core.Storage, func() error, error) {
	switch viper.GetString("storage.driver") {
	case "postgres":
		s, err := storage.NewFromPostgres(viper.GetString("storage.dsn"), storage.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		s, err := storage.NewFromMemory()
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := storage.NewFromFile(viper.GetString("storage.path"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

// instanceConfig is one strategy instance from the config file.
type instanceConfig struct {
	UserID        string         `mapstructure:"user_id"`
	Strategy      string         `mapstructure:"strategy"`
	Instrument    string         `mapstructure:"instrument"`
	Broker        string         `mapstructure:"broker"`
	AutoReconnect bool           `mapstructure:"auto_reconnect"`
	Config        map[string]any `mapstructure:"config"`
}

// brokerProvider pools broker connections per environment. Paper keys get
// a shared simulated broker; everything else speaks to Deribit.
type brokerProvider struct {
	log     logger.Logger
	clients map[core.Environment]core.Broker
}

func newBrokerProvider(log logger.Logger) *brokerProvider {
	return &brokerProvider{log: log, clients: make(map[core.Environment]core.Broker)}
}

func (p *brokerProvider) Broker(ctx context.Context, key core.InstanceKey) (core.Broker, error) {
	if client, ok := p.clients[key.Environment]; ok {
		return client, nil
	}

	if key.Environment == core.EnvPaper {
		sim := exchange.NewSimBroker(p.log,
			exchange.WithSimBalance(viper.GetFloat64("paper.balance")),
		)
		p.clients[key.Environment] = sim
		return sim, nil
	}

	client, err := deribit.New(ctx, key.Environment, deribit.Credentials{
		ClientID:     viper.GetString("deribit.client_id"),
		ClientSecret: viper.GetString("deribit.client_secret"),
	}, p.log)
	if err != nil {
		return nil, err
	}
	p.clients[key.Environment] = client
	return client, nil
}

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the execution service",
		RunE:  runService,
	}
}

func runService(cmd *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	log, err := zlog.New(logLevel, jsonLogs)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	store, closeStore, err := openStorage()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStore()

	var notifier core.Notifier
	var telegram *notification.Telegram
	if token := viper.GetString("telegram.token"); token != "" {
		telegram, err = notification.NewTelegram(notification.TelegramSettings{
			Token: token,
			Users: viper.GetIntSlice("telegram.users"),
		}, log)
		if err != nil {
			return fmt.Errorf("failed to start telegram notifier: %w", err)
		}
		notifier = telegram
	}

	opts := []supervisor.Option{}
	if notifier != nil {
		opts = append(opts, supervisor.WithNotifier(notifier))
	}
	sup := supervisor.New(store, newBrokerProvider(log), log, opts...)
	sup.Register(razor.StrategyName, razorFactory)

	if telegram != nil {
		telegram.SetStatusProvider(sup)
		go telegram.Start()
	}

	ctx := cmd.Context()
	env := core.Environment(viper.GetString("environment"))

	if err := sup.ResumeAll(ctx, "deribit", env); err != nil {
		log.WithError(err).Error("auto-resume sweep failed")
	}

	var instances []instanceConfig
	if err := viper.UnmarshalKey("instances", &instances); err != nil {
		return fmt.Errorf("invalid instances config: %w", err)
	}
	for _, inst := range instances {
		key := core.InstanceKey{
			UserID:      inst.UserID,
			Strategy:    defaultString(inst.Strategy, razor.StrategyName),
			Instrument:  inst.Instrument,
			Broker:      defaultString(inst.Broker, "deribit"),
			Environment: env,
		}
		blob, _ := json.Marshal(inst.Config)
		if err := sup.Start(ctx, key, blob, inst.AutoReconnect); err != nil {
			if core.CodeOf(err) == core.CodeAlreadyRunning {
				continue // picked up by the resume sweep
			}
			log.WithField("key", key.String()).WithError(err).Error("instance start failed")
		}
	}

	log.Info("razor service running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	sup.Shutdown()
	return nil
}

func buildStatusCmd() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted strategy statuses",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&stale, "stale", "2m", "heartbeat age after which an active row is flagged stale (e.g. 90s, 5m, 1h)")
	return statusCmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	staleAfter, err := str2duration.ParseDuration(stale)
	if err != nil {
		return fmt.Errorf("invalid --stale value: %w", err)
	}

	store, closeStore, err := openStorage()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStore()

	rows, err := store.Statuses(cmd.Context())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"User", "Strategy", "Instrument", "Env", "Status", "Last Action", "Heartbeat", "Errors"})
	table.SetBorder(false)

	now := time.Now()
	for _, row := range rows {
		heartbeat := "never"
		if row.LastHeartbeat != nil {
			age := now.Sub(*row.LastHeartbeat).Truncate(time.Second)
			heartbeat = age.String() + " ago"
			if row.Status == core.StatusActive && age > staleAfter {
				heartbeat += " (stale)"
			}
		}
		statusText := string(row.Status)
		if row.Status == core.StatusActive && row.ConnectedAt == nil {
			// Active row with no live connection: the process shut down and
			// the next resume sweep will pick it up.
			statusText += " (disconnected)"
		}
		table.Append([]string{
			row.UserID,
			row.Strategy,
			row.Instrument,
			string(row.Environment),
			statusText,
			string(row.LastAction),
			heartbeat,
			strconv.Itoa(row.ErrorCount),
		})
	}
	table.Render()
	return nil
}

func razorFactory(key core.InstanceKey, config []byte, broker core.Broker, journal core.Journal, log logger.Logger, notifier core.Notifier) (core.Executor, error) {
	cfg, err := core.ParseRazorConfig(config)
	if err != nil {
		return nil, err
	}
	opts := []razor.Option{}
	if notifier != nil {
		opts = append(opts, razor.WithNotifier(notifier))
	}
	return razor.New(key, cfg, broker, journal, log, opts...), nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
