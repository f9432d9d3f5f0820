// Command vellum is the local writing-project engine: drafts on disk are the
// source of truth, every accept is checksum-guarded and snapshotted, and
// generation spend is gated by a per-project budget.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	projectDir string
	cfgFile    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "vellum",
	Short: "Local-first writing project engine",
	Long: `vellum manages a writing project as plain files: draft units under
drafts/, snapshots and the budget ledger under history/. Accepts are
checksum-guarded, every accept is snapshotted, and an unclean shutdown is
detected and offered for restore at the next open.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default {project}/vellum.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr as well as the log file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(historyCmd)
}

// initConfig loads vellum.yaml plus VELLUM_* environment overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(projectDir)
		viper.SetConfigName("vellum")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("VELLUM")
	viper.AutomaticEnv()

	viper.SetDefault("model", "claude-sonnet-4-20250514")
	viper.SetDefault("port", 7341)
	viper.SetDefault("max_tokens", 4096)

	// A missing config file is fine; defaults and env cover it
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

// newLogger writes to a size-rotated log under history/, and also to stderr
// with --verbose.
func newLogger(component string) *log.Logger {
	var out io.Writer = &lumberjack.Logger{
		Filename:   filepath.Join(projectDir, "history", "vellum.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
		Compress:   true,
	}
	if verbose {
		out = io.MultiWriter(out, os.Stderr)
	}
	return log.New(out, "["+component+"] ", log.LstdFlags)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
