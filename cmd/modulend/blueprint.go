package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/Modulend/core-v1/internal/blueprint"
	"github.com/Modulend/core-v1/internal/config"
	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
)

// deploymentFlags select the EIP-712 domain blueprints are hashed under.
type deploymentFlags struct {
	chainID  int64
	protocol string
}

func (f *deploymentFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.chainID, "chain-id", 0, "chain id (defaults to protocol.chain_id)")
	cmd.Flags().StringVar(&f.protocol, "protocol", "", "protocol address (defaults to protocol.address or the wallet address)")
}

func (f *deploymentFlags) hasher(cfg *config.Config) (*blueprint.Hasher, error) {
	chainID := cfg.Protocol.ChainID
	if f.chainID != 0 {
		chainID = f.chainID
	}
	protocol := f.protocol
	if protocol == "" {
		protocol = cfg.Protocol.Address
	}
	if protocol == "" {
		signer, err := walletSigner(cfg)
		if err != nil {
			return nil, fmt.Errorf("no protocol address: pass --protocol or configure the wallet: %w", err)
		}
		return blueprint.NewHasher(chainID, signer.Address()), nil
	}
	if !common.IsHexAddress(protocol) {
		return nil, fmt.Errorf("invalid protocol address %q", protocol)
	}
	return blueprint.NewHasher(chainID, common.HexToAddress(protocol)), nil
}

func walletSigner(cfg *config.Config) (*crypto.Signer, error) {
	return crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
}

func parseKind(s string) (domain.Kind, error) {
	switch s {
	case "order":
		return domain.KindOrder, nil
	case "agreement":
		return domain.KindAgreement, nil
	default:
		return domain.KindUnknown, fmt.Errorf("unknown blueprint kind %q (order, agreement)", s)
	}
}

func blueprintCmd() *cobra.Command {
	bp := &cobra.Command{Use: "blueprint", Short: "Sign, hash and verify blueprints"}
	bp.AddCommand(blueprintSignCmd())
	bp.AddCommand(blueprintHashCmd())
	bp.AddCommand(blueprintVerifyCmd())
	return bp
}

func blueprintSignCmd() *cobra.Command {
	var (
		dep      deploymentFlags
		kind     string
		keyEnv   string
		ttl      time.Duration
		noExpiry bool
	)
	cmd := &cobra.Command{
		Use:   "sign <payload.json>",
		Short: "Encode an Order or Agreement and sign it as a blueprint",
		Long: `sign reads an Order (or Agreement) as JSON, encodes it with the blueprint
codec and signs it. The key is read from the environment variable named by
--key-env, falling back to the configured wallet.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			k, err := parseKind(kind)
			if err != nil {
				return err
			}

			var data []byte
			switch k {
			case domain.KindOrder:
				var o domain.Order
				if err := readJSONFile(args[0], &o); err != nil {
					return err
				}
				if err := o.Validate(); err != nil {
					return err
				}
				data, err = blueprint.EncodeOrderData(o)
			case domain.KindAgreement:
				var a domain.Agreement
				if err := readJSONFile(args[0], &a); err != nil {
					return err
				}
				data, err = blueprint.EncodeAgreementData(a)
			}
			if err != nil {
				return fmt.Errorf("encode %s: %w", k, err)
			}

			var signer *crypto.Signer
			if raw := os.Getenv(keyEnv); raw != "" {
				signer, err = crypto.NewSigner(raw)
			} else {
				signer, err = walletSigner(cfg)
			}
			if err != nil {
				return fmt.Errorf("signing key: %w", err)
			}

			h, err := dep.hasher(cfg)
			if err != nil {
				return err
			}
			expiry := domain.NoExpiry
			if !noExpiry {
				expiry = uint64(time.Now().Add(ttl).Unix())
			}
			sb, err := h.Sign(signer, domain.Blueprint{
				Publisher: signer.Address(),
				Data:      data,
				Expiry:    expiry,
			})
			if err != nil {
				return err
			}
			return printJSON(sb)
		},
	}
	dep.register(cmd)
	cmd.Flags().StringVar(&kind, "kind", "order", "payload kind (order, agreement)")
	cmd.Flags().StringVar(&keyEnv, "key-env", "MODULEND_SIGNER_KEY", "environment variable holding the hex signing key")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "time until the blueprint expires")
	cmd.Flags().BoolVar(&noExpiry, "no-expiry", false, "sign a blueprint that never expires")
	return cmd
}

func blueprintHashCmd() *cobra.Command {
	var dep deploymentFlags
	cmd := &cobra.Command{
		Use:   "hash <signed.json>",
		Short: "Print the hash of a blueprint under the deployment domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			var sb domain.SignedBlueprint
			if err := readJSONFile(args[0], &sb); err != nil {
				return err
			}
			h, err := dep.hasher(cfg)
			if err != nil {
				return err
			}
			hash := h.Hash(sb.Blueprint)
			if jsonOutput {
				return printJSON(map[string]any{
					"hash":            hash,
					"domainSeparator": h.DomainSeparator(),
					"matchesClaimed":  hash == sb.BlueprintHash,
				})
			}
			fmt.Println(hash.Hex())
			return nil
		},
	}
	dep.register(cmd)
	return cmd
}

func blueprintVerifyCmd() *cobra.Command {
	var (
		dep  deploymentFlags
		kind string
	)
	cmd := &cobra.Command{
		Use:   "verify <signed.json>",
		Short: "Authenticate a signed blueprint and print its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			var sb domain.SignedBlueprint
			if err := readJSONFile(args[0], &sb); err != nil {
				return err
			}
			h, err := dep.hasher(cfg)
			if err != nil {
				return err
			}
			auth := blueprint.NewAuthenticator(h)

			var payload any
			switch k {
			case domain.KindOrder:
				payload, err = auth.AuthenticateOrder(sb)
			case domain.KindAgreement:
				payload, err = auth.AuthenticateAgreement(sb)
			}
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"hash":      sb.BlueprintHash,
				"publisher": sb.Blueprint.Publisher,
				"kind":      k.String(),
				"payload":   payload,
			})
		},
	}
	dep.register(cmd)
	cmd.Flags().StringVar(&kind, "kind", "order", "expected payload kind (order, agreement)")
	return cmd
}
