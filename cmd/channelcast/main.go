package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"channelcast/internal/config"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:           "channelcast",
	Short:         "publish messages on named channels to their followers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(demoCmd, serveCmd)
}

func initConfig() {
	config.LoadDotEnv(".env")
	config.SetDefaults(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
