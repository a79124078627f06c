package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/dotmap/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	communityID string
	latitude    float64
	longitude   float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "dotmap",
		Short:        "Shared marker map client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newWatchCommand(),
		newListCommand(),
		newDropCommand(),
		newRemoveCommand(),
		newClearCommand(),
		newFitCommand(),
		newMeCommand(),
		newCommunityCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := viper.New()
	config.ApplyClientDefaults(defaults)
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&communityID, "community", "", "Community id; the global map when empty")
	cmd.PersistentFlags().Float64Var(&latitude, "lat", 0, "Current latitude used for my dot")
	cmd.PersistentFlags().Float64Var(&longitude, "lng", 0, "Current longitude used for my dot")
	cmd.PersistentFlags().String("backend", defaults.GetString("store.backend"), "Document store backend (http, firestore)")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "dotmap API base URL")
	cmd.PersistentFlags().String("firestore-project", defaults.GetString("firestore.project_id"), "Firestore project id")
	cmd.PersistentFlags().String("firestore-credentials", defaults.GetString("firestore.credentials_file"), "Firestore service account file")
	cmd.PersistentFlags().String("identity", defaults.GetString("identity.scheme"), "My dot identity scheme (cookie, ownership)")
	cmd.PersistentFlags().String("state-path", defaults.GetString("state.path"), "Local state database path")
	cmd.PersistentFlags().Bool("dedupe", defaults.GetBool("markers.dedupe"), "Skip drops next to an existing marker")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "store.backend", "backend")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "firestore.project_id", "firestore-project")
	bindFlag(cmd, "firestore.credentials_file", "firestore-credentials")
	bindFlag(cmd, "identity.scheme", "identity")
	bindFlag(cmd, "state.path", "state-path")
	bindFlag(cmd, "markers.dedupe", "dedupe")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
