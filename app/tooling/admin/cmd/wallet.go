package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/spf13/cobra"
)

var (
	sendTo     string
	sendAmount uint64
	sendFee    uint64
	sendNonce  int64
	sendMemo   string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign a transfer with the account's key and submit it.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			return err
		}

		to, err := resolve(sendTo)
		if err != nil {
			return err
		}

		nonce := uint64(sendNonce)
		if sendNonce < 0 {
			nonce, err = nextNonce(database.PublicKeyToAddress(privateKey.PublicKey))
			if err != nil {
				return err
			}
		}

		tx, err := database.NewTx(to, sendAmount, sendFee, nonce, sendMemo)
		if err != nil {
			return err
		}

		tx, err = tx.Sign(privateKey)
		if err != nil {
			return err
		}

		var resp struct {
			Hash string `json:"transaction_hash"`
		}
		if err := post("/v1/tx/submit", tx, &resp); err != nil {
			return err
		}

		fmt.Println(resp.Hash)
		return nil
	},
}

// nextNonce is the committed nonce plus the sender's pending transactions.
func nextNonce(sender database.Address) (uint64, error) {
	var info struct {
		Accounts []struct {
			Nonce uint64 `json:"nonce"`
		} `json:"accounts"`
	}
	if err := get("/v1/accounts/list/"+string(sender), &info); err != nil {
		return 0, fmt.Errorf("account nonce: %w", err)
	}

	var pending []struct {
		Sender string `json:"sender"`
	}
	if err := get("/v1/tx/uncommitted/list/"+string(sender), &pending); err != nil {
		return 0, fmt.Errorf("pending transactions: %w", err)
	}

	var nonce uint64
	if len(info.Accounts) == 1 {
		nonce = info.Accounts[0].Nonce
	}
	for _, tx := range pending {
		if tx.Sender == string(sender) {
			nonce++
		}
	}

	return nonce, nil
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new key pair for the account.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := crypto.GenerateKey()
		if err != nil {
			return err
		}

		if err := crypto.SaveECDSA(getPrivateKeyPath(), privateKey); err != nil {
			return err
		}

		fmt.Println(database.PublicKeyToAddress(privateKey.PublicKey))
		return nil
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Print the address of the account.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			return err
		}

		fmt.Println(database.PublicKeyToAddress(privateKey.PublicKey))
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendTo, "to", "t", "", "Account name or address to send to.")
	sendCmd.Flags().Uint64VarP(&sendAmount, "amount", "v", 0, "Amount to send.")
	sendCmd.Flags().Uint64VarP(&sendFee, "fee", "f", 1, "Fee offered for priority.")
	sendCmd.Flags().Int64VarP(&sendNonce, "nonce", "n", -1, "Nonce to use, looked up from the node when negative.")
	sendCmd.Flags().StringVarP(&sendMemo, "memo", "m", "", "Memo to attach.")
	sendCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(sendCmd, generateCmd, accountCmd)
}
