package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nestybox/msd-agent/protocol"
)

func newClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running msd-agent daemon",
	}
	cmd.AddCommand(newGetFunctionsCommand())
	cmd.AddCommand(newSetMassStorageCommand())
	cmd.AddCommand(newGetMassStorageCommand())
	return cmd
}

func newGetFunctionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get-functions",
		Short: "List the gadget's currently active functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := protocol.Dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := protocol.WriteRequest(conn, protocol.GetFunctionsRequest{}); err != nil {
				return err
			}
			resp, err := protocol.ReadResponse(conn)
			if err != nil {
				return err
			}
			fns, ok := resp.(protocol.GetFunctionsResponse)
			if !ok {
				return errors.New("unexpected response type")
			}
			for name, target := range fns.Functions {
				fmt.Printf("%s -> %s\n", name, target)
			}
			return nil
		},
	}
}

var (
	msFiles []string
	msTypes []string
)

type massStorageType string

const (
	typeCdrom  massStorageType = "cdrom"
	typeDiskRO massStorageType = "disk-ro"
	typeDiskRW massStorageType = "disk-rw"
)

func newSetMassStorageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-mass-storage",
		Short: "Replace the mass-storage LUN configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(msFiles) != len(msTypes) {
				return errors.Errorf("--file was given %d times but --type was given %d times: they must match", len(msFiles), len(msTypes))
			}

			var files []*os.File
			defer func() {
				for _, f := range files {
					f.Close()
				}
			}()

			devices := make([]protocol.MassStorageDevice, 0, len(msFiles))
			for i, path := range msFiles {
				f, err := os.OpenFile(path, os.O_RDWR, 0)
				if err != nil {
					f, err = os.Open(path)
					if err != nil {
						return errors.Wrapf(err, "open %s", path)
					}
				}
				files = append(files, f)

				cdrom, ro, err := parseMassStorageType(msTypes[i])
				if err != nil {
					return err
				}
				devices = append(devices, protocol.MassStorageDevice{Fd: int(f.Fd()), Cdrom: cdrom, RO: ro})
			}

			conn, err := protocol.Dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := protocol.WriteRequest(conn, protocol.SetMassStorageRequest{Devices: devices}); err != nil {
				return err
			}
			if len(devices) > 0 {
				fds := make([]int, len(devices))
				for i, d := range devices {
					fds[i] = d.Fd
				}
				if err := protocol.SendFds(conn, fds); err != nil {
					return err
				}
			}

			resp, err := protocol.ReadResponse(conn)
			if err != nil {
				return err
			}
			if _, ok := resp.(protocol.SetMassStorageResponse); !ok {
				return errors.New("unexpected response type")
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&msFiles, "file", nil, "backing file for a LUN (repeatable)")
	cmd.Flags().StringArrayVar(&msTypes, "type", nil, "type of the corresponding --file: cdrom, disk-ro, disk-rw (repeatable)")
	return cmd
}

func parseMassStorageType(t string) (cdrom, ro bool, err error) {
	switch massStorageType(t) {
	case typeCdrom:
		return true, true, nil
	case typeDiskRO:
		return false, true, nil
	case typeDiskRW:
		return false, false, nil
	default:
		return false, false, errors.Errorf("invalid --type %q: must be cdrom, disk-ro, or disk-rw", t)
	}
}

func newGetMassStorageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get-mass-storage",
		Short: "List the currently configured mass-storage LUNs",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := protocol.Dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := protocol.WriteRequest(conn, protocol.GetMassStorageRequest{}); err != nil {
				return err
			}
			resp, err := protocol.ReadResponse(conn)
			if err != nil {
				return err
			}
			devs, ok := resp.(protocol.GetMassStorageResponse)
			if !ok {
				return errors.New("unexpected response type")
			}
			for i, d := range devs.Devices {
				fmt.Printf("lun.%d: file=%s cdrom=%v ro=%v\n", i, d.Path, d.Cdrom, d.RO)
			}
			return nil
		},
	}
}
