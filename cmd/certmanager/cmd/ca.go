package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certmanager/manager"
)

var caUpdateFlags = []fieldFlag{
	{"descr", "descr", "string", "New description"},
	{"trust", "trust", "bool", "Add to or remove from the trust store"},
	{"crt-file", "crt", "file", "Replacement PEM CA certificate"},
	{"prv-file", "prv", "file", "Replacement PEM CA private key"},
}

func newCACmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage certificate authorities",
	}
	cmd.AddCommand(
		newCAListCmd(a),
		newCACreateCmd(a),
		newCAUpdateCmd(a),
		newCADeleteCmd(a),
	)
	return cmd
}

func newCAListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [refid]",
		Short: "List CAs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			var views []manager.CAView
			if len(args) == 1 {
				v, err := m.CA(ctx, args[0], a.readOptions())
				if err != nil {
					return err
				}
				views = []manager.CAView{*v}
			} else if views, err = m.CAs(ctx, a.readOptions()); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, views, caTable(views))
		},
	}
}

func newCACreateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an internal CA or import an existing one",
		Example: `  certmanager ca create --method internal --descr root --keytype RSA --keylen 4096 \
    --digest sha256 --lifetime 3650 --cn "Example Root CA" --org Example
  certmanager ca create --method existing --descr upstream --crt-file ca.pem --trust`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := collectFields(cmd.Flags(), caFlags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			v, err := m.CreateCA(ctx, fields)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, v, caTable([]manager.CAView{*v}))
		},
	}
	registerFields(cmd, caFlags)
	return cmd
}

func newCAUpdateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <refid>",
		Short: "Rename a CA, change its trust or replace its key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := collectFields(cmd.Flags(), caUpdateFlags)
			if err != nil {
				return err
			}
			fields["refid"] = args[0]
			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			v, err := m.UpdateCA(ctx, fields)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, v, caTable([]manager.CAView{*v}))
		},
	}
	registerFields(cmd, caUpdateFlags)
	return cmd
}

func newCADeleteCmd(a *app) *cobra.Command {
	var descr string
	cmd := &cobra.Command{
		Use:   "delete [refid]",
		Short: "Delete a CA by refid or --descr",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := selector(args, descr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			v, err := m.DeleteCA(ctx, fields)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted CA %s (%s)\n", v.RefID, v.Descr)
			return nil
		},
	}
	cmd.Flags().StringVar(&descr, "descr", "", "Select the CA by description")
	return cmd
}
