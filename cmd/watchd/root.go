package main

import (
	"fmt"
	"os"

	"github.com/l-dswatch/version"
	"github.com/spf13/cobra"
)

var (
	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "watchd",
		Short: "key-value server with key and prefix watches",
		Long: fmt.Sprintf(`watchd (v%s)

A key-value server whose clients register a watch on a key or a key
prefix and receive one notification when it changes or the watch expires.`, version.Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version of watchd",
		Run: func(cmd *cobra.Command, args []string) {
			v := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "watchd Version: %s\nAPI Version: %s\nGit SHA: %s\n", v.Server, v.API, v.GitSHA)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. It is called once by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
