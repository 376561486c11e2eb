// Command msd-agent reconfigures the Android USB mass-storage gadget on
// behalf of unprivileged callers, via a small privileged daemon and a
// one-shot SELinux policy patcher that grants it access.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:           "msd-agent",
		Short:         "Reconfigure the USB mass-storage gadget",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	root.AddCommand(newClientCommand())
	root.AddCommand(newDaemonCommand())
	root.AddCommand(newSepatchCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "msd-agent:", err)
		os.Exit(1)
	}
}
