package main

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nestybox/msd-agent/sepolicy"
)

func newSepatchCommand() *cobra.Command {
	var (
		source       string
		sourceKernel bool
		target       string
		targetKernel bool
		allowADB     bool
		stripNoAudit bool
	)

	cmd := &cobra.Command{
		Use:   "sepatch",
		Short: "Patch an SELinux policy database to grant msd-agent access",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (source == "") == !sourceKernel {
				return errors.New("specify exactly one of --source or --source-kernel")
			}
			if (target == "") == !targetKernel {
				return errors.New("specify exactly one of --target or --target-kernel")
			}

			var db *sepolicy.DB
			var err error
			if sourceKernel {
				db, err = sepolicy.LoadKernel()
			} else {
				db, err = sepolicy.Load(source)
			}
			if err != nil {
				return errors.Wrap(err, "load policy")
			}

			if err := sepolicy.Patch(db, sepolicy.Options{
				AllowADB:     allowADB,
				StripNoAudit: stripNoAudit,
			}); err != nil {
				return errors.Wrap(err, "patch policy")
			}

			if targetKernel {
				err = db.SaveKernel()
			} else {
				err = db.Save(target)
			}
			if err != nil {
				return errors.Wrap(err, "write policy")
			}

			log.Info("policy patched successfully")
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "path to the input policy database file")
	cmd.Flags().BoolVar(&sourceKernel, "source-kernel", false, "read the input policy from the running kernel")
	cmd.Flags().StringVar(&target, "target", "", "path to write the patched policy database file")
	cmd.Flags().BoolVar(&targetKernel, "target-kernel", false, "load the patched policy directly into the running kernel")
	cmd.Flags().BoolVar(&allowADB, "allow-adb", false, "also allow an adb shell to connect to the daemon")
	cmd.Flags().BoolVar(&stripNoAudit, "strip-no-audit", false, "strip dontaudit rules so denials are logged")

	return cmd
}
