package commands

import (
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lwm2mcore/pkgdwl/pkg/dwl"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	packOut       string
	packAMSS      bool
	packSignature string
	packComment   string
)

var packCmd = &cobra.Command{
	Use:   "pack <payload>",
	Short: "Build a DWL package around a payload file",
	Long: `Wrap a payload in an update package, binary and signature section with a
valid checksum. Without --signature the SHA-256 of the payload is used as
signature data.`,
	Args: cobra.ExactArgs(1),
	RunE: runPack,
}

func init() {
	rootCmd.AddCommand(packCmd)
	packCmd.Flags().StringVarP(&packOut, "out", "o", "", "Output file (default <payload>.dwl)")
	packCmd.Flags().BoolVar(&packAMSS, "amss", false, "Use the AMSS update package sub-type")
	packCmd.Flags().StringVar(&packSignature, "signature", "", "File holding the signature data")
	packCmd.Flags().StringVar(&packComment, "comment", "", "Comment stored in the binary section")
}

func runPack(cmd *cobra.Command, args []string) error {
	payload, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read payload")
	}

	var sig []byte
	if packSignature != "" {
		if sig, err = os.ReadFile(packSignature); err != nil {
			return errors.Wrap(err, "failed to read signature")
		}
	} else {
		sum := sha256.Sum256(payload)
		sig = sum[:]
	}

	subType := dwl.SubTypeFirmware
	if packAMSS {
		subType = dwl.SubTypeAMSS
	}

	b := dwl.NewBuilder()
	b.Timestamp = uint64(time.Now().Unix())
	raw, err := b.UpdatePackage(subType, nil).
		Binary(payload, []byte(packComment)).
		Signature(sig, nil).
		Bytes()
	if err != nil {
		return errors.Wrap(err, "failed to build package")
	}

	out := packOut
	if out == "" {
		out = args[0] + ".dwl"
	}
	if err := os.WriteFile(out, raw, 0o644); err != nil {
		return errors.Wrap(err, "failed to write package")
	}

	pr, err := dwl.ReadProlog(raw)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%s, checksum 0x%08x)\n", out, humanize.IBytes(uint64(len(raw))), pr.Checksum)
	return nil
}
