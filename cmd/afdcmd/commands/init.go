package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/afd-project/afd/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a commented starter configuration file.

Examples:
  # Default location
  afdcmd init

  # Custom path
  afdcmd init --config /etc/afd/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	var path string
	var err error
	if flags.configFile != "" {
		path = flags.configFile
		err = config.InitConfigToPath(path, initForce)
	} else {
		path, err = config.InitConfig(initForce)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("Edit it to describe your hosts and directories, then run: afd -a")
	return nil
}
