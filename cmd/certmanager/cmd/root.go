package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/certmanager/config"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	output  string
	debug   bool
	cfg     *config.Config
	logger  *slog.Logger
}

// storeFlags map persistent flag names onto config keys.
var storeFlags = map[string]string{
	"backend":   "store.backend",
	"data":      "store.path",
	"dsn":       "store.dsn",
	"namespace": "store.namespace",
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "certmanager",
		Short: "certmanager manages certificates and certificate authorities",
		Long: `Create, import, sign, export and serve X.509 certificates and CAs
from an encrypted store.

Settings come from --config (YAML), CERTMANAGER_* environment variables
and flags; the store passphrase is read from CERTMANAGER_STORE_PASSPHRASE.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "Path to a YAML config file")
	pf.StringVarP(&a.output, "output", "o", "table", "Output format: table, json or yaml")
	pf.BoolVar(&a.debug, "debug", false, "Enable debug logging")
	pf.String("backend", "", "Store backend: memory, bbolt or postgres")
	pf.String("data", "", "Path of the bbolt store file")
	pf.String("dsn", "", "Postgres connection string")
	pf.String("namespace", "", "Store namespace")

	root.AddCommand(
		newServerCmd(a),
		newCertCmd(a),
		newCACmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	switch a.output {
	case outputTable, outputJSON, outputYAML:
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}
	if err := config.BindFlags(a.v, cmd.Flags(), storeFlags); err != nil {
		return err
	}
	if err := config.BindFlags(a.v, cmd.Flags(), serverFlags); err != nil {
		return err
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := slog.LevelInfo
	if a.debug {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
