// The measure binary is the provisioning toolchain: it measures enclave
// images, verifies candidates against a published anchor, publishes anchor
// documents, and seals model artifacts for a deployment.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"github.com/enclavekit/inference-bootstrap/attestation"
	"github.com/enclavekit/inference-bootstrap/cmd/flags"
	"github.com/enclavekit/inference-bootstrap/envelope"
	"github.com/enclavekit/inference-bootstrap/interfaces"
	"github.com/enclavekit/inference-bootstrap/registry"
)

var imagePathFlag = &cli.StringFlag{
	Name:     "image-path",
	Required: true,
	Usage:    "path to the enclave image artifact",
}

var signerCertFlag = &cli.StringFlag{
	Name:  "signer-cert",
	Usage: "path to the image signing certificate (PEM or DER)",
}

func main() {
	app := &cli.App{
		Name:  "measure",
		Usage: "provisioning toolchain for confidential inference images",
		Commands: []*cli.Command{
			{
				Name:  "image",
				Usage: "compute the measurement document for an image",
				Flags: append([]cli.Flag{
					imagePathFlag,
					signerCertFlag,
					&cli.StringFlag{
						Name:  "out",
						Usage: "write the anchor document here instead of stdout",
					},
				}, flags.CommonFlags...),
				Action: runImage,
			},
			{
				Name:  "verify",
				Usage: "verify a candidate image against an anchor document",
				Flags: append([]cli.Flag{
					imagePathFlag,
					signerCertFlag,
					&cli.StringFlag{
						Name:     "anchor-doc",
						Required: true,
						Usage:    "path to the published anchor document",
					},
				}, flags.CommonFlags...),
				Action: runVerify,
			},
			{
				Name:  "publish",
				Usage: "publish an anchor document to a registry",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "anchor-doc",
						Required: true,
						Usage:    "path to the anchor document to publish",
					},
					flags.ImageIDFlag,
					flags.AnchorURIFlag,
					flags.AnchorContractFlag,
					flags.RPCAddrFlag,
					&cli.StringFlag{
						Name:  "private-key",
						Usage: "hex private key for onchain publishing",
					},
					&cli.Int64Flag{
						Name:  "chain-id",
						Usage: "chain ID for onchain publishing",
					},
				}, flags.CommonFlags...),
				Action: runPublish,
			},
			{
				Name:  "seal",
				Usage: "envelope-encrypt model weights and wrap the data key",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "model",
						Required: true,
						Usage:    "path to the plaintext model weights",
					},
					&cli.StringFlag{
						Name:  "projector",
						Usage: "path to the optional plaintext projection weights",
					},
					&cli.StringFlag{
						Name:     "out-dir",
						Required: true,
						Usage:    "directory the sealed artifacts are written to",
					},
					&cli.StringFlag{
						Name:  "kms-key-id",
						Usage: "KMS key to wrap the data key with; ambient AWS credentials are used",
					},
					&cli.StringFlag{
						Name:  "passphrase",
						Usage: "derive the key and IV from a passphrase instead of random material (development only)",
					},
					&cli.StringFlag{
						Name:  "salt",
						Usage: "hex salt for --passphrase derivation",
					},
				}, flags.CommonFlags...),
				Action: runSeal,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func computeDocument(cCtx *cli.Context) (interfaces.MeasurementMap, error) {
	var signerCert []byte
	if certPath := cCtx.String(signerCertFlag.Name); certPath != "" {
		var err error
		signerCert, err = os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read signer certificate: %w", err)
		}
	}
	return attestation.ComputeMeasurements(cCtx.String(imagePathFlag.Name), signerCert)
}

func runImage(cCtx *cli.Context) error {
	observed, err := computeDocument(cCtx)
	if err != nil {
		return err
	}

	doc, err := attestation.EncodeAnchorDocument(observed)
	if err != nil {
		return err
	}

	if out := cCtx.String("out"); out != "" {
		return os.WriteFile(out, doc, 0o644)
	}
	fmt.Println(string(doc))
	return nil
}

func runVerify(cCtx *cli.Context) error {
	observed, err := computeDocument(cCtx)
	if err != nil {
		return err
	}

	docBytes, err := os.ReadFile(cCtx.String("anchor-doc"))
	if err != nil {
		return fmt.Errorf("failed to read anchor document: %w", err)
	}
	published, err := attestation.ParseAnchorDocument(docBytes)
	if err != nil {
		return err
	}

	if err := attestation.Verify(observed, published); err != nil {
		var mismatch *attestation.MismatchError
		if errors.As(err, &mismatch) {
			for _, m := range mismatch.Mismatches {
				fmt.Fprintf(os.Stderr, "register %d: observed %s published %s\n",
					m.Register, m.Observed, m.Published)
			}
		}
		return cli.Exit("verification failed", 1)
	}

	fmt.Println("verification passed")
	return nil
}

func runPublish(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	image, err := interfaces.NewImageIDFromHex(cCtx.String(flags.ImageIDFlag.Name))
	if err != nil {
		return err
	}

	docBytes, err := os.ReadFile(cCtx.String("anchor-doc"))
	if err != nil {
		return fmt.Errorf("failed to read anchor document: %w", err)
	}
	measurements, err := attestation.ParseAnchorDocument(docBytes)
	if err != nil {
		return err
	}

	anchor, err := buildPublisher(cCtx, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := anchor.PublishAnchor(ctx, image, measurements); err != nil {
		return err
	}
	logger.Info("Published anchor document", "image", image.String())
	return nil
}

// buildPublisher differs from the shared registry builder only in that the
// onchain path attaches a transactor.
func buildPublisher(cCtx *cli.Context, logger *slog.Logger) (interfaces.AnchorRegistry, error) {
	contractHex := cCtx.String(flags.AnchorContractFlag.Name)
	if contractHex == "" {
		return flags.BuildAnchorRegistry(cCtx, logger)
	}

	if !ethcommon.IsHexAddress(contractHex) {
		return nil, fmt.Errorf("invalid anchor contract address %q", contractHex)
	}
	keyHex := cCtx.String("private-key")
	chainID := cCtx.Int64("chain-id")
	if keyHex == "" || chainID == 0 {
		return nil, errors.New("onchain publishing requires --private-key and --chain-id")
	}

	key, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, err
	}

	client, err := ethclient.Dial(cCtx.String(flags.RPCAddrFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	onchain, err := registry.NewOnchainAnchorRegistry(client, ethcommon.HexToAddress(contractHex))
	if err != nil {
		return nil, err
	}
	onchain.SetTransactOpts(auth)
	return onchain, nil
}

func runSeal(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	outDir := cCtx.String("out-dir")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	material, err := buildMaterial(cCtx)
	if err != nil {
		return err
	}
	defer material.Zero()

	modelOut := filepath.Join(outDir, string(interfaces.ModelCiphertext))
	n, err := envelope.EncryptFile(modelOut, cCtx.String("model"), material)
	if err != nil {
		return err
	}
	logger.Info("Sealed model weights", "path", modelOut, "ciphertext_bytes", n)

	if projector := cCtx.String("projector"); projector != "" {
		projectorOut := filepath.Join(outDir, string(interfaces.ProjectorCiphertext))
		n, err := envelope.EncryptFile(projectorOut, projector, material)
		if err != nil {
			return err
		}
		logger.Info("Sealed projection weights", "path", projectorOut, "ciphertext_bytes", n)
	}

	ivOut := filepath.Join(outDir, string(interfaces.ModelIV))
	if err := os.WriteFile(ivOut, []byte(hex.EncodeToString(material.IV[:])), 0o644); err != nil {
		return err
	}

	keyOut := filepath.Join(outDir, string(interfaces.WrappedModelKey))
	if keyID := cCtx.String("kms-key-id"); keyID != "" {
		wrapped, err := wrapKey(keyID, material.Key[:])
		if err != nil {
			return err
		}
		if err := os.WriteFile(keyOut, wrapped, 0o600); err != nil {
			return err
		}
		logger.Info("Wrapped data key", "key_id", keyID, "path", keyOut)
		return nil
	}

	// Without a wrapping key the raw data key is written out. Development
	// deployments only; never usable against an attested key policy.
	if err := os.WriteFile(keyOut, material.Key[:], 0o600); err != nil {
		return err
	}
	logger.Warn("Wrote raw data key, deployment is unprotected", "path", keyOut)
	return nil
}

func buildMaterial(cCtx *cli.Context) (envelope.Material, error) {
	if passphrase := cCtx.String("passphrase"); passphrase != "" {
		salt, err := hex.DecodeString(cCtx.String("salt"))
		if err != nil || len(salt) == 0 {
			return envelope.Material{}, errors.New("--passphrase requires a hex --salt")
		}
		return envelope.DeriveMaterial([]byte(passphrase), salt), nil
	}

	var key [envelope.KeySize]byte
	var iv [envelope.IVSize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return envelope.Material{}, err
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return envelope.Material{}, err
	}
	return envelope.NewMaterial(key[:], iv[:])
}

func wrapKey(keyID string, key []byte) ([]byte, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("could not create AWS session: %w", err)
	}

	out, err := awskms.New(sess).Encrypt(&awskms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: key,
	})
	if err != nil {
		return nil, fmt.Errorf("key wrap failed: %w", err)
	}
	return out.CiphertextBlob, nil
}
