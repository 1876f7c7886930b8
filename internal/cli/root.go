package cli

import (
	"github.com/spf13/cobra"

	"github.com/harun/loanrenew/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loanrenew",
	Short: "loanrenew - automatic renewal of library loans",
	Long: `loanrenew logs in to the library web system, lists the open loans and
renews the whole batch as soon as any loan is due. Run it once from an
external scheduler with "loanrenew run", or keep it running with
"loanrenew schedule".`,
	Version:      config.Version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.loanrenew/loanrenew.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error), overrides the config file when set")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return config.Version
}
