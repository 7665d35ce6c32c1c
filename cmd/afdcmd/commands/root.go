// Package commands implements the afdcmd command tree.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/afd-project/afd/internal/cli/output"
	"github.com/afd-project/afd/pkg/config"
	"github.com/afd-project/afd/pkg/fra"
	"github.com/afd-project/afd/pkg/fsa"
	"github.com/afd-project/afd/pkg/region"
	"github.com/afd-project/afd/pkg/supervisor"
)

var flags struct {
	workDir    string
	configFile string
	output     string
}

var rootCmd = &cobra.Command{
	Use:   "afdcmd",
	Short: "Administer an AFD instance",
	Long: `afdcmd inspects and controls an AFD instance through its shared
status areas. Listing commands work against a stopped AFD as long as
the status files exist; control commands take effect immediately in a
running one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "afdcmd: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.workDir, "work-dir", "w", "",
		"AFD working directory (default: from configuration)")
	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", "",
		"configuration file (default: $XDG_CONFIG_HOME/afd/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "table",
		"output format: table, json or yaml")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(dirsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(queueCmd)
}

// workDir resolves the working directory: flag, environment, config
// file, built-in default.
func workDir() string {
	if flags.workDir != "" {
		return flags.workDir
	}
	if wd := os.Getenv("AFD_WORK_DIR"); wd != "" {
		return wd
	}
	if cfg, err := config.Load(flags.configFile); err == nil && cfg.WorkDir != "" {
		return cfg.WorkDir
	}
	return config.DefaultWorkDir
}

func layout() supervisor.Layout {
	return supervisor.Layout{WorkDir: workDir()}
}

// attachFSA maps the host status area; control commands need mode
// ReadWrite.
func attachFSA(mode region.Mode) (*fsa.FSA, error) {
	f, err := fsa.Attach(layout().FSAPath(), mode)
	if err != nil {
		if err == region.ErrNotPresent {
			return nil, fmt.Errorf("no FSA found below %s (is AFD initialized?)", workDir())
		}
		return nil, err
	}
	return f, nil
}

func attachFRA() (*fra.FRA, error) {
	r, err := fra.Attach(layout().FRAPath(), region.ReadOnly)
	if err != nil {
		if err == region.ErrNotPresent {
			return nil, fmt.Errorf("no FRA found below %s (is AFD initialized?)", workDir())
		}
		return nil, err
	}
	return r, nil
}

func printOut(data any) error {
	format, err := output.ParseFormat(flags.output)
	if err != nil {
		return err
	}
	return output.Print(os.Stdout, format, data)
}
