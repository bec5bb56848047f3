package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nfl0/tinychain/foundation/blockchain/peer"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the node's chain head, phase and peers.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var ps peer.PeerStatus
		if err := get("/v1/status", &ps); err != nil {
			return err
		}
		return show(ps)
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [account]",
	Short: "Print the committed balance of an account, or of every account.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/accounts/list"
		if len(args) == 1 {
			address, err := resolve(args[0])
			if err != nil {
				return err
			}
			path += "/" + string(address)
		}

		var resp json.RawMessage
		if err := get(path, &resp); err != nil {
			return err
		}
		return show(resp)
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <hash|height>",
	Short: "Print a committed block by hash or height.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/block/" + args[0]
		if _, err := strconv.ParseUint(args[0], 10, 64); err == nil {
			path = "/v1/block/height/" + args[0]
		}

		var resp json.RawMessage
		if err := get(path, &resp); err != nil {
			return err
		}
		return show(resp)
	},
}

var txProof bool

var txCmd = &cobra.Command{
	Use:   "tx <hash>",
	Short: "Print a transaction, or its merkle inclusion proof.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/tx/" + args[0]
		if txProof {
			path += "/proof"
		}

		var resp json.RawMessage
		if err := get(path, &resp); err != nil {
			return err
		}
		return show(resp)
	},
}

var mempoolCmd = &cobra.Command{
	Use:   "mempool [account]",
	Short: "Print the uncommitted transactions.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/tx/uncommitted/list"
		if len(args) == 1 {
			address, err := resolve(args[0])
			if err != nil {
				return err
			}
			path += "/" + string(address)
		}

		var resp json.RawMessage
		if err := get(path, &resp); err != nil {
			return err
		}
		return show(resp)
	},
}

var validatorsCmd = &cobra.Command{
	Use:   "validators",
	Short: "Print the active validator set in proposer order.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp json.RawMessage
		if err := get("/v1/validators/list", &resp); err != nil {
			return err
		}
		return show(resp)
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Turn block production on the node on or off.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Production bool `json:"production"`
		}
		if err := post("/v1/production/toggle", nil, &resp); err != nil {
			return err
		}

		state := "off"
		if resp.Production {
			state = "on"
		}
		fmt.Println("block production is", state)

		return nil
	},
}

func init() {
	txCmd.Flags().BoolVar(&txProof, "proof", false, "Print the merkle inclusion proof instead.")

	rootCmd.AddCommand(statusCmd, balanceCmd, blockCmd, txCmd, mempoolCmd, validatorsCmd, toggleCmd)
}
