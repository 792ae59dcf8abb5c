// Command qvote runs the quadratic voting service.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"serotonyl.ru/qvote/internal/config"
)

const programName = "qvote"

var globalFlags = struct {
	debug      bool
	configFile string
}{}

// setupLogging configures logrus; level comes from config unless --debug.
func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	if globalFlags.debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
}

// loadConfig loads configuration and sets up logging and GOMAXPROCS.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalFlags.configFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.AppLogLevel)
	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.WithError(err).Warn("Failed to set GOMAXPROCS")
	}
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Quadratic voting service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.configFile, "config", "", "path to YAML config file")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(replenishCommand())
	rootCmd.AddCommand(hashTokenCommand())
	rootCmd.AddCommand(issueTokenCommand())
	rootCmd.AddCommand(auditCommand())

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
