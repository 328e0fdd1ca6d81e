package flags

import (
	"errors"
	"fmt"
	"log/slog"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"github.com/enclavekit/inference-bootstrap/interfaces"
	"github.com/enclavekit/inference-bootstrap/registry"
	"github.com/enclavekit/inference-bootstrap/storage"
)

// BuildAnchorRegistry resolves the trust anchor source from the anchor
// flags: a registry contract when --anchor-contract is set, otherwise the
// storage backend at --anchor-uri.
func BuildAnchorRegistry(cCtx *cli.Context, log *slog.Logger) (interfaces.AnchorRegistry, error) {
	contractHex := cCtx.String(AnchorContractFlag.Name)
	anchorURI := cCtx.String(AnchorURIFlag.Name)

	switch {
	case contractHex != "":
		if !ethcommon.IsHexAddress(contractHex) {
			return nil, fmt.Errorf("invalid anchor contract address %q", contractHex)
		}
		client, err := ethclient.Dial(cCtx.String(RPCAddrFlag.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		return registry.NewOnchainAnchorRegistry(client, ethcommon.HexToAddress(contractHex))

	case anchorURI != "":
		loc, err := interfaces.NewStorageBackendLocation(anchorURI)
		if err != nil {
			return nil, fmt.Errorf("invalid anchor URI: %w", err)
		}
		backend, err := storage.NewStorageBackendFactory(log).StorageBackendFor(loc)
		if err != nil {
			return nil, fmt.Errorf("failed to create anchor backend: %w", err)
		}
		return registry.NewStorageAnchorRegistry(backend), nil

	default:
		return nil, errors.New("either --anchor-contract or --anchor-uri is required")
	}
}
