package mqbridge

import (
	"fmt"
	"os"

	"github.com/edgeflare/mqbridge/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var cfgFile string
var logLevel string
var rootCmd = &cobra.Command{
	Use:   "mqbridge",
	Short: "mqbridge bridges MQTT topics to an HTTP controlled device",
	Long: `mqbridge subscribes to MQTT topics, maps each message to an endpoint of an
HTTP device using a persisted action table, and publishes the outcome back to MQTT.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}
		cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mqbridge.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(serveCmd)
}

// newLogger builds a production zap logger at the given level; "none" disables logging.
func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
