package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certmanager/manager"
	"github.com/jmcleod/certmanager/pki"
)

func newCertCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cert",
		Aliases: []string{"certificate"},
		Short:   "Manage certificates and signing requests",
	}
	cmd.AddCommand(
		newCertListCmd(a),
		newCertCreateCmd(a),
		newCertUpdateCmd(a),
		newCertDeleteCmd(a),
		newCertExportCmd(a),
		newCertSignCmd(a),
	)
	return cmd
}

// readOptions honours manager.scrub_sensitive_data for CLI reads.
func (a *app) readOptions() manager.ReadOptions {
	return manager.ReadOptions{DisableScrubbing: !a.cfg.Manager.ScrubSensitiveData}
}

func newCertListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [refid]",
		Short: "List certificates, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			var views []manager.CertificateView
			if len(args) == 1 {
				v, err := m.Certificate(ctx, args[0], a.readOptions())
				if err != nil {
					return err
				}
				views = []manager.CertificateView{*v}
			} else if views, err = m.Certificates(ctx, a.readOptions()); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, views, certificateTable(views))
		},
	}
}

func newCertCreateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create, import or request a certificate",
		Example: `  certmanager cert create --method internal --descr web --caref 65f2a1b3c4d5e \
    --keytype ECDSA --ecname prime256v1 --digest sha256 --lifetime 365 \
    --cn www.example.com --type server --altname dns:www.example.com
  certmanager cert create --method existing --descr imported --format pkcs12 \
    --pkcs12-file bundle.p12 --password secret --import-cas`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fields, err := collectFields(cmd.Flags(), certificateFlags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			v, err := m.CreateCertificate(ctx, fields)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, v, certificateTable([]manager.CertificateView{*v}))
		},
	}
	registerFields(cmd, certificateFlags)
	return cmd
}

func newCertUpdateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <refid>",
		Short: "Rename a certificate, replace its key pair or complete a signing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := collectFields(cmd.Flags(), updateFlags)
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

			v, err := m.UpdateCertificate(ctx, fields)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, v, certificateTable([]manager.CertificateView{*v}))
		},
	}
	registerFields(cmd, updateFlags)
	return cmd
}

func newCertDeleteCmd(a *app) *cobra.Command {
	var descr string
	cmd := &cobra.Command{
		Use:   "delete [refid]",
		Short: "Delete a certificate by refid or --descr",
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

			v, err := m.DeleteCertificate(ctx, fields)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted certificate %s (%s)\n", v.RefID, v.Descr)
			return nil
		},
	}
	cmd.Flags().StringVar(&descr, "descr", "", "Select the certificate by description")
	return cmd
}

func selector(args []string, descr string) (manager.Fields, error) {
	switch {
	case len(args) == 1:
		return manager.Fields{"refid": args[0]}, nil
	case descr != "":
		return manager.Fields{"descr": descr}, nil
	}
	return nil, fmt.Errorf("a refid argument or --descr is required")
}

func newCertExportCmd(a *app) *cobra.Command {
	var (
		req manager.ExportRequest
		out string
	)
	cmd := &cobra.Command{
		Use:   "export <refid>",
		Short: "Export a certificate or CA as PEM, PKCS#12 or an encrypted key",
		Long: `Export a certificate or CA. PEM goes to stdout unless --out is given;
binary formats are written to --out, or to <refid>.p12 in the current
directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			res, err := m.Export(ctx, args[0], req)
			if err != nil {
				return err
			}
			if out == "" && res.Format == manager.ExportPKCS12 {
				out = res.Filename
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(res.Data)
				return err
			}
			if err := os.WriteFile(out, res.Data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Format, "format", manager.ExportPEM, "pem, pkcs12 or pem_encrypted_key")
	f.StringVar(&req.Password, "password", "", "PKCS#12 or key encryption password")
	f.BoolVar(&req.IncludeKey, "include-key", false, "Append the private key to PEM output")
	f.BoolVar(&req.IncludeChain, "include-chain", false, "Append the issuing CA chain to PEM output")
	f.StringVar(&out, "out", "", "Output file; - for stdout")
	return cmd
}

func newCertSignCmd(a *app) *cobra.Command {
	var (
		req                  manager.SignRequest
		caCrtFile, caPrvFile string
		digest, usage        string
		altnames             []string
	)
	cmd := &cobra.Command{
		Use:   "sign <refid>",
		Short: "Sign a pending signing request with a stored or external CA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if caCrtFile != "" {
				if req.CACrt, err = readString(caCrtFile); err != nil {
					return err
				}
			}
			if caPrvFile != "" {
				if req.CAPrv, err = readString(caPrvFile); err != nil {
					return err
				}
			}
			if digest != "" {
				if req.Digest, err = pki.ParseDigest(digest); err != nil {
					return err
				}
			}
			if usage != "" {
				if req.Usage, err = pki.ParseUsage(usage); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("altname") {
				raw, err := parseAltNameFlags(altnames)
				if err != nil {
					return err
				}
				names, err := manager.ParseAltNames(raw)
				if err != nil {
					return err
				}
				req.AltNames = &names
			}

			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			v, err := m.SignPending(ctx, args[0], req)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, v, certificateTable([]manager.CertificateView{*v}))
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.CARef, "caref", "", "refid of the stored CA to sign with")
	f.StringVar(&caCrtFile, "ca-crt-file", "", "External CA certificate (PEM)")
	f.StringVar(&caPrvFile, "ca-prv-file", "", "External CA private key (PEM)")
	f.IntVar(&req.Lifetime, "lifetime", 0, "Lifetime in days")
	f.StringVar(&digest, "digest", "", "Signature digest: sha256, sha384 or sha512")
	f.StringVar(&usage, "type", "", "Usage: server, client or user")
	f.StringArrayVar(&altnames, "altname", nil, "Replace the altnames, kind:value (repeatable)")
	return cmd
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
