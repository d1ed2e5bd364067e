package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/silversage/guard/gate"
	"github.com/silversage/guard/internal/util"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print fresh storage seal and session signing keys",
	Long: `Prints environment assignments for GUARD_SEAL_KEY and GUARD_SESSION_KEY.
Changing the seal key makes existing records unreadable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		seal, err := util.RandomBytes(util.AESKeySize)
		if err != nil {
			return err
		}
		session, err := util.RandomBytes(gate.MinSigningKeyLen)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "GUARD_SEAL_KEY=%s\n", hex.EncodeToString(seal))
		fmt.Fprintf(out, "GUARD_SESSION_KEY=%s\n", hex.EncodeToString(session))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
