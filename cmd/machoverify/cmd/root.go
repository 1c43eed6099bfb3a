// Package cmd implements machoverify's command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/appsworld/go-macho-sign/pkg/codesign"
	"github.com/appsworld/go-macho-sign/pkg/codesign/fat"
	"github.com/appsworld/go-macho-sign/pkg/codesign/image"
)

type options struct {
	asJSON bool
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
			Output: log.New(os.Stderr, "machoverify: ", log.StdFlags, nil),
		})
	})
}

// Root constructs the machoverify command tree.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "machoverify [options] INPUT",
		Short:         "verify a Mach-O binary's embedded code signature",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	opts := new(options)
	showDebug := root.PersistentFlags().Bool("debug", false, "show debugging output")
	root.Flags().BoolVar(&opts.asJSON, "json", false, "emit a structured JSON report")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd.Context(), opts, args[0])
	}

	return root
}

// sliceReport is one architecture slice's verification result:
// signature alignment, whether the signature ends at the end of
// __LINKEDIT, and the parsed Code Directories. Page digests are not
// recomputed.
type sliceReport struct {
	CPU             string `json:"cpu"`
	HasSignature    bool   `json:"hasSignature"`
	SignatureOffset uint32 `json:"signatureOffset,omitempty"`
	SignatureSize   uint32 `json:"signatureSize,omitempty"`
	Aligned16       bool   `json:"aligned16"`
	SignatureAtEnd  bool   `json:"signatureAtLinkeditEnd"`
	CodeDirectories int      `json:"codeDirectoryCount"`
	CDHashes        []string `json:"cdHashes,omitempty"`
	Identifier      string   `json:"identifier,omitempty"`
	TeamID          string   `json:"teamID,omitempty"`
	HasEntitlements bool     `json:"hasEntitlements"`
	Error           string   `json:"error,omitempty"`
}

type report struct {
	Path   string        `json:"path"`
	Slices []sliceReport `json:"slices"`
}

func runVerify(ctx context.Context, opts *options, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("machoverify: reading %s: %w", path, err)
	}

	var slices [][]byte
	if fat.IsFatMagic(data) {
		f, err := fat.Parse(data)
		if err != nil {
			return err
		}
		for _, a := range f.Archs {
			slices = append(slices, a.Data)
		}
	} else {
		slices = [][]byte{data}
	}

	rep := report{Path: path}
	for _, sliceData := range slices {
		rep.Slices = append(rep.Slices, verifySlice(ctx, sliceData))
	}

	if opts.asJSON {
		out, err := jsonv2.Marshal(rep)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(out, '\n'))
		return err
	}

	for i, s := range rep.Slices {
		printSlice(ctx, i, s)
	}
	return nil
}

func verifySlice(ctx context.Context, data []byte) sliceReport {
	img, err := image.Parse(data)
	if err != nil {
		return sliceReport{Error: err.Error()}
	}

	sr := sliceReport{CPU: img.CPU.String()}

	if img.CodeSignature == nil {
		return sr
	}
	sr.HasSignature = true
	sr.SignatureOffset = img.CodeSignature.DataOff
	sr.SignatureSize = img.CodeSignature.DataSize
	sr.Aligned16 = img.CodeSignature.DataOff%16 == 0
	sr.SignatureAtEnd = img.VerifySignatureAtLinkeditEnd() == nil

	csBytes := data[img.CodeSignature.DataOff : img.CodeSignature.DataOff+img.CodeSignature.DataSize]
	cs, err := codesign.ParseCodeSignature(csBytes)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	sr.CodeDirectories = len(cs.CodeDirectories)
	for _, cd := range cs.CodeDirectories {
		sr.CDHashes = append(sr.CDHashes, cd.CDHash)
		if sr.Identifier == "" {
			sr.Identifier = cd.ID
		}
		if sr.TeamID == "" {
			sr.TeamID = cd.TeamID
		}
	}
	sr.HasEntitlements = cs.Entitlements != "" || len(cs.EntitlementsDER) > 0

	log.Debugf(ctx, "slice %s: %d code director(y/ies), signature at %d..%d", sr.CPU, sr.CodeDirectories, sr.SignatureOffset, sr.SignatureOffset+sr.SignatureSize)

	return sr
}

func printSlice(ctx context.Context, idx int, s sliceReport) {
	if s.Error != "" {
		fmt.Printf("slice %d (%s): error: %s\n", idx, s.CPU, s.Error)
		return
	}
	if !s.HasSignature {
		fmt.Printf("slice %d (%s): unsigned\n", idx, s.CPU)
		return
	}
	fmt.Printf("slice %d (%s): signed, identifier=%q teamID=%q codeDirectories=%d aligned16=%v atLinkeditEnd=%v\n",
		idx, s.CPU, s.Identifier, s.TeamID, s.CodeDirectories, s.Aligned16, s.SignatureAtEnd)
	for _, h := range s.CDHashes {
		fmt.Printf("  cdhash: %s\n", h)
	}
}
