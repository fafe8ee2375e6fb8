package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	agentlink "github.com/bjoelf/agentlink/adapter"
)

// app carries what every subcommand needs
type app struct {
	v      *viper.Viper
	logger *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: logrus.New()}

	var (
		cfgFile string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:           "agentlink",
		Short:         "Talk to the agent backend over its real-time channels",
		Long:          "agentlink opens the chat and portfolio WebSocket channels of the agent backend, streams agent progress and answers, and manages the local session token.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.logger.SetOutput(cmd.ErrOrStderr())
			a.logger.SetLevel(logrus.WarnLevel)
			if verbose {
				a.logger.SetLevel(logrus.DebugLevel)
			}
			if cfgFile != "" {
				a.v.SetConfigFile(cfgFile)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("server", "", "agent server base URL (AGENTLINK_SERVER_URL)")
	flags.String("user", "", "user id sent when a session is created (AGENTLINK_USER_ID)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log connection and frame details")
	_ = a.v.BindPFlag("server_url", flags.Lookup("server"))
	_ = a.v.BindPFlag("user_id", flags.Lookup("user"))

	rootCmd.AddCommand(
		newChatCmd(a),
		newPortfolioCmd(a),
		newSessionCmd(a),
	)

	return rootCmd
}

func (a *app) config() (agentlink.Config, error) {
	return agentlink.LoadConfig(a.v)
}

func (a *app) sessionProvider(cfg agentlink.Config) *agentlink.SessionProvider {
	api := agentlink.NewHTTPSessionAPI(cfg.ServerURL, cfg.HTTPTimeout, a.logger)
	store := agentlink.NewFileSessionStore(cfg.SessionFile)
	return agentlink.NewSessionProvider(api, store, cfg.Identity(), nil, a.logger)
}
