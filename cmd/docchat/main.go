package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor bool
	ownerID string
)

var rootCmd = &cobra.Command{
	Use:           "docchat",
	Short:         "Answer questions from a single reference document",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", defaultOwner(), "owner id sent with session requests")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(askCmd, searchCmd, sessionsCmd, indexCmd, configCmd)
}

// defaultOwner is $DOCCHAT_OWNER, then $USER, then "local".
func defaultOwner() string {
	for _, env := range []string{"DOCCHAT_OWNER", "USER"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "local"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
