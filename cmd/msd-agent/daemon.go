package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nestybox/msd-agent/daemon"
	"github.com/nestybox/msd-agent/privdrop"
)

func newDaemonCommand() *cobra.Command {
	var skipSELinuxCheck bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the privileged gadget-reconfiguration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if skipSELinuxCheck {
				log.Warn("skipping per-connection peer/selinux enforcement checks; do not use this flag in production")
			}

			if err := privdrop.Drop(); err != nil {
				return err
			}

			srv, err := daemon.Listen(skipSELinuxCheck)
			if err != nil {
				return err
			}
			defer srv.Close()

			log.Info("listening on control socket")
			return srv.Serve()
		},
	}
	cmd.Flags().BoolVar(&skipSELinuxCheck, "skip-selinux-check", false, "skip the per-connection peer-is-self and selinux enforcement checks (debugging only)")
	return cmd
}
