// Package cmd implements machosign's command tree, following
// 256lights-zb/cmd/zb/main.go's pattern: a SilenceErrors/SilenceUsage
// root command with a PersistentPreRunE that sets up logging, and a
// single RunE on that root command (there are no subcommands).
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/appsworld/go-macho-sign/internal/config"
	"github.com/appsworld/go-macho-sign/pkg/codesign/blob"
	"github.com/appsworld/go-macho-sign/pkg/codesign/digest"
	"github.com/appsworld/go-macho-sign/pkg/codesign/identity"
	"github.com/appsworld/go-macho-sign/pkg/codesign/sign"
)

type options struct {
	configPath     string
	identifier     string
	teamID         string
	digestName     string
	extraDigests   []string
	p12Path        string
	p12Password    string
	timestampURL   string
	entitlements   string
	derOnly        bool
	runtimeVersion uint32
	adhoc          bool
	output         string
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLevel := log.Info
		if showDebug {
			minLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLevel,
			Output: log.New(os.Stderr, "machosign: ", log.StdFlags, nil),
		})
	})
}

// Root constructs the machosign command tree.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "machosign [options] INPUT",
		Short:         "sign a Mach-O binary with an embedded code-signature SuperBlob",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	opts := new(options)
	showDebug := root.PersistentFlags().Bool("debug", false, "show debugging output")

	root.Flags().StringVar(&opts.configPath, "config", "", "path to a .machosign.hujson config file")
	root.Flags().StringVar(&opts.identifier, "identifier", "", "binary identifier embedded in the Code Directory")
	root.Flags().StringVar(&opts.teamID, "team-id", "", "Apple team identifier")
	root.Flags().StringVar(&opts.digestName, "digest", "sha256", "primary digest algorithm (sha1, sha256, sha384, sha512)")
	root.Flags().StringArrayVar(&opts.extraDigests, "extra-digest", nil, "additional alternate Code Directory digest algorithm (repeatable)")
	root.Flags().StringVar(&opts.p12Path, "p12", "", "path to a PKCS#12 signing identity bundle")
	root.Flags().StringVar(&opts.p12Password, "p12-password", "", "password for --p12")
	root.Flags().StringVar(&opts.timestampURL, "timestamp-url", "", "RFC 3161 timestamp authority URL (enlarges the signature reservation; no timestamp token is requested or embedded)")
	root.Flags().StringVar(&opts.entitlements, "entitlements", "", "path to an entitlements XML plist")
	root.Flags().BoolVar(&opts.derOnly, "entitlements-der-only", false, "embed only the DER entitlements blob, not the XML one")
	root.Flags().Uint32Var(&opts.runtimeVersion, "runtime-version", 0, "hardened runtime platform version, encoded as Apple's x.y.z packed uint32")
	root.Flags().BoolVar(&opts.adhoc, "adhoc", false, "sign without a identity, producing an ad-hoc signature")
	root.Flags().StringVarP(&opts.output, "output", "o", "", "output path (required)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runSign(cmd.Context(), opts, args[0])
	}

	return root
}

func runSign(ctx context.Context, opts *options, inputPath string) error {
	if opts.output == "" {
		return fmt.Errorf("machosign: --output is required")
	}

	fileCfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return err
	}
	applyFileDefaults(opts, fileCfg)

	if opts.identifier == "" {
		return sign.ErrNoIdentifier
	}

	settings := sign.Settings{
		Identifier:     opts.identifier,
		TeamID:         opts.teamID,
		RuntimeVersion: opts.runtimeVersion,
	}

	kind, err := parseDigestKind(opts.digestName)
	if err != nil {
		return err
	}
	settings.DigestType = kind

	for _, name := range opts.extraDigests {
		k, err := parseDigestKind(name)
		if err != nil {
			return err
		}
		settings.ExtraDigests = append(settings.ExtraDigests, k)
	}

	if opts.entitlements != "" {
		xmlBytes, err := os.ReadFile(opts.entitlements)
		if err != nil {
			return fmt.Errorf("machosign: reading entitlements: %w", err)
		}
		settings.EntitlementsXML = string(xmlBytes)
		settings.EntitlementsDEROnly = opts.derOnly
	}

	if !opts.adhoc && opts.p12Path != "" {
		p12Bytes, err := os.ReadFile(opts.p12Path)
		if err != nil {
			return fmt.Errorf("machosign: reading --p12: %w", err)
		}
		id, err := identity.LoadPKCS12(p12Bytes, opts.p12Password)
		if err != nil {
			return fmt.Errorf("machosign: loading signing identity: %w", err)
		}
		settings.Identity = id
		if opts.timestampURL != "" {
			settings.TimestampURL = opts.timestampURL
			settings.SigningTime = time.Now()
		}
		if !id.IsAppleIssued() && opts.teamID != "" {
			log.Warnf(ctx, "team ID %q set but signing certificate is not Apple-issued", opts.teamID)
		}
	}
	if settings.Flags == 0 && opts.adhoc {
		settings.Flags = blob.FlagAdhoc
	}

	signer, err := sign.New(settings)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("machosign: reading %s: %w", inputPath, err)
	}
	info, err := os.Stat(inputPath)
	if err != nil {
		return err
	}

	log.Infof(ctx, "signing %s (%d bytes)", inputPath, len(data))
	signed, err := signer.SignBinary(ctx, data)
	if err != nil {
		return err
	}

	if err := writeOutput(opts.output, signed, info.Mode().Perm()); err != nil {
		return err
	}
	log.Infof(ctx, "wrote signed binary to %s (%d bytes)", opts.output, len(signed))
	return nil
}

// writeOutput preserves the input path's permission bits, following
// the open/stat/rename pattern github.com/blacktop/go-macho's
// file.go Open/NewFile pair models for reading, adapted here to a
// write path: write to a temp file in the destination directory, then
// rename atomically into place.
func writeOutput(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(dirOf(path), ".machosign-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func parseDigestKind(name string) (digest.Kind, error) {
	switch strings.ToLower(name) {
	case "sha1":
		return digest.SHA1, nil
	case "sha256", "":
		return digest.SHA256, nil
	case "sha384":
		return digest.SHA384, nil
	case "sha512":
		return digest.SHA512, nil
	default:
		return 0, fmt.Errorf("machosign: unknown digest algorithm %q", name)
	}
}

func applyFileDefaults(opts *options, f *config.File) {
	if opts.identifier == "" {
		opts.identifier = f.Identifier
	}
	if opts.teamID == "" {
		opts.teamID = f.TeamID
	}
	if f.Digest != "" && opts.digestName == "sha256" {
		opts.digestName = f.Digest
	}
	if len(opts.extraDigests) == 0 {
		opts.extraDigests = f.ExtraDigests
	}
	if opts.p12Path == "" {
		opts.p12Path = f.P12Path
	}
	if opts.p12Password == "" {
		opts.p12Password = f.P12Password
	}
	if opts.timestampURL == "" {
		opts.timestampURL = f.TimestampURL
	}
	if opts.entitlements == "" {
		opts.entitlements = f.Entitlements
	}
	if opts.runtimeVersion == 0 {
		opts.runtimeVersion = f.RuntimeVersion
	}
	if !opts.adhoc {
		opts.adhoc = f.Adhoc
	}
}
