package main

import (
	"bufio"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/internal/adminauth"
	"github.com/jmerrifield20/paygate/internal/config"
	"github.com/jmerrifield20/paygate/pkg/client"
	"github.com/jmerrifield20/paygate/pkg/voucher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	gatewayURL string
	cfgFile    string
	decimals   int32
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paygate",
	Short: "paygate operator CLI",
	Long: `paygate is the command-line interface for a paygate gateway.

It reads earnings, lists unclaimed vouchers and triggers on-chain claims
through the admin API, and signs test vouchers for a payment channel.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.paygate")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("paygate")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if gatewayURL == "" {
			gatewayURL = viper.GetString("gateway_url")
		}
		if gatewayURL == "" {
			gatewayURL = "http://localhost:8080"
		}
		if !cmd.Flags().Changed("decimals") && viper.IsSet("decimals") {
			decimals = viper.GetInt32("decimals")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.paygate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "gateway base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().Int32Var(&decimals, "decimals", 6, "token decimals used to display amounts")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(unclaimedCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(hashSecretCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── sign ─────────────────────────────────────────────────────────────────────

var (
	signChannel  string
	signAmount   string
	signNonce    string
	signChainID  int64
	signContract string
	signName     string
	signVersion  string
	signRaw      bool
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a voucher and print the X-Payment-Voucher header value",
	Long: `Sign produces a voucher for testing a gateway by hand. The consumer key is
read from PAYGATE_CONSUMER_KEY (hex), never from a flag.

  PAYGATE_CONSUMER_KEY=0x... paygate sign --channel 0xabc... --amount 0.25 --nonce 3 \
      --chain-id 8453 --contract 0x5FbDB2315678afecb367f032d93F642f64180aa3

  curl -H "X-Payment-Voucher: $(paygate sign ...)" http://localhost:8080/v1/quote`,
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signChannel, "channel", "", "channel id (0x-prefixed 32 bytes)")
	signCmd.Flags().StringVar(&signAmount, "amount", "", "cumulative amount in tokens (see --decimals), or smallest units with --raw")
	signCmd.Flags().StringVar(&signNonce, "nonce", "", "voucher nonce")
	signCmd.Flags().Int64Var(&signChainID, "chain-id", 0, "chain id of the channel contract")
	signCmd.Flags().StringVar(&signContract, "contract", "", "channel contract address")
	signCmd.Flags().StringVar(&signName, "domain-name", "PaymentChannel", "EIP-712 domain name")
	signCmd.Flags().StringVar(&signVersion, "domain-version", "1", "EIP-712 domain version")
	signCmd.Flags().BoolVar(&signRaw, "raw", false, "treat --amount as smallest units")
	for _, f := range []string{"channel", "amount", "nonce", "chain-id", "contract"} {
		_ = signCmd.MarkFlagRequired(f)
	}
}

func runSign(cmd *cobra.Command, args []string) error {
	keyHex := os.Getenv("PAYGATE_CONSUMER_KEY")
	if keyHex == "" {
		return errors.New("PAYGATE_CONSUMER_KEY is not set")
	}
	key, err := config.ParsePrivateKey(keyHex)
	if err != nil {
		return err
	}

	channelID, err := voucher.ParseChannelID(signChannel)
	if err != nil {
		return fmt.Errorf("--channel: %w", err)
	}
	if !common.IsHexAddress(signContract) {
		return fmt.Errorf("--contract %q is not an address", signContract)
	}

	var amount *big.Int
	if signRaw {
		amount, err = voucher.ParseUint(signAmount)
	} else {
		amount, err = client.ParseAmount(signAmount, decimals)
	}
	if err != nil {
		return fmt.Errorf("--amount: %w", err)
	}
	nonce, err := voucher.ParseUint(signNonce)
	if err != nil {
		return fmt.Errorf("--nonce: %w", err)
	}

	domain := voucher.Domain{
		Name:              signName,
		Version:           signVersion,
		ChainID:           big.NewInt(signChainID),
		VerifyingContract: common.HexToAddress(signContract),
	}
	v, err := client.NewPayer(domain, key, channelID).Sign(amount, nonce)
	if err != nil {
		return err
	}
	header, err := v.Encode()
	if err != nil {
		return err
	}
	fmt.Println(header)
	return nil
}

// ── hash-secret ──────────────────────────────────────────────────────────────

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret",
	Short: "Hash an admin secret for admin.secret_hash",
	Long: `hash-secret reads the admin secret from stdin and prints its bcrypt hash,
ready to be placed in the gateway's admin.secret_hash setting.

  echo -n "$ADMIN_SECRET" | paygate hash-secret`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(os.Stderr, "Admin secret: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read secret: %w", err)
		}
		hash, err := adminauth.HashSecret(strings.TrimRight(line, "\r\n"))
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr)
		fmt.Println(hash)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the paygate CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("paygate %s\n", version)
	},
}
