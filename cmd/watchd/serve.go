package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/l-dswatch/embed"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	serveCfg = embed.NewConfig()
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the watchd server",
		Long: `Start the watchd server. Every flag can also be set through an
environment variable WATCHD_<FLAG> (e.g. WATCHD_LISTEN_ADDR=0.0.0.0:2479).`,
		PreRunE: processConfig,
		RunE:    runServe,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	fs := serveCmd.PersistentFlags()
	fs.String("name", embed.DefaultName, "Human-readable name for this server.")
	fs.String("data-dir", serveCfg.DataDir, "Path to the data directory.")
	fs.String("listen-addr", embed.DefaultListenAddr, "Address to serve watch and key-value requests on.")
	fs.String("log-level", embed.DefaultLogLevel, "Log level (debug, info, warn, error).")
	fs.Duration("default-watch-timeout", embed.DefaultWatchTimeout, "Timeout of watches that do not ask for one.")
	fs.Duration("max-watch-timeout", embed.DefaultMaxWatchTimeout, "Longest timeout a watch may ask for.")
	fs.Duration("max-sweep-interval", embed.DefaultMaxSweepInterval, "Longest pause between two expiry sweeps.")
	fs.Uint64("backend-mmap-size", 0, "Initial mmap size of the backend in bytes (0 for the bbolt default).")
	fs.Uint16("member-id", 0, "Member id seeding watch session ids.")
}

// processConfig reads flags and environment variables into serveCfg.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCfg.Name = viper.GetString("name")
	serveCfg.DataDir = viper.GetString("data-dir")
	serveCfg.ListenAddr = viper.GetString("listen-addr")
	serveCfg.LogLevel = viper.GetString("log-level")
	serveCfg.DefaultWatchTimeout = viper.GetDuration("default-watch-timeout")
	serveCfg.MaxWatchTimeout = viper.GetDuration("max-watch-timeout")
	serveCfg.MaxSweepInterval = viper.GetDuration("max-sweep-interval")
	serveCfg.BackendMmapSize = viper.GetUint64("backend-mmap-size")
	serveCfg.MemberID = uint16(viper.GetUint("member-id"))

	if err := serveCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	lg, err := serveCfg.NewLogger()
	if err != nil {
		return err
	}
	defer lg.Sync()

	s, err := embed.StartServer(serveCfg, lg)
	if err != nil {
		lg.Error("failed to start server", zap.Error(err))
		return err
	}
	defer s.Close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		lg.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return nil
	case err := <-s.Err():
		lg.Error("server failed", zap.Error(err))
		return err
	}
}

// initConfig loads .env files and enables WATCHD_ environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("watchd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
