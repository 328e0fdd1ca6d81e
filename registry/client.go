package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/enclavekit/inference-bootstrap/attestation"
	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// ErrNoTransactOpts is returned when a publish is attempted without first
// setting transaction options.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

// anchorRegistryABI is the minimal surface of the anchor registry contract:
// one view returning the anchor document for an image ID, and one setter
// restricted onchain to the publisher role.
const anchorRegistryABI = `[
	{"type":"function","name":"anchor","stateMutability":"view","inputs":[{"name":"image","type":"bytes32"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"setAnchor","stateMutability":"nonpayable","inputs":[{"name":"image","type":"bytes32"},{"name":"doc","type":"bytes"}],"outputs":[]}
]`

// OnchainAnchorRegistry implements interfaces.AnchorRegistry against a
// registry contract. The contract maps an image ID to the anchor document
// bytes published for it; an empty value means no anchor was published.
type OnchainAnchorRegistry struct {
	contract *bind.BoundContract
	address  ethcommon.Address
	auth     *bind.TransactOpts
}

// NewOnchainAnchorRegistry creates a client for the anchor registry contract
// at the specified address. The backend is any bind.ContractBackend, usually
// an ethclient connection.
func NewOnchainAnchorRegistry(backend bind.ContractBackend, address ethcommon.Address) (*OnchainAnchorRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(anchorRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse anchor registry ABI: %w", err)
	}

	return &OnchainAnchorRegistry{
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		address:  address,
	}, nil
}

// SetTransactOpts sets the transaction options required for publishing.
// Must be called before PublishAnchor; read operations work without it.
func (c *OnchainAnchorRegistry) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

// PublishedAnchor retrieves and decodes the anchor document for the image.
func (c *OnchainAnchorRegistry) PublishedAnchor(ctx context.Context, image interfaces.ImageID) (interfaces.MeasurementMap, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := c.contract.Call(opts, &out, "anchor", [32]byte(image)); err != nil {
		return nil, fmt.Errorf("anchor registry call failed: %w", err)
	}
	if len(out) == 0 {
		return nil, interfaces.ErrAnchorNotFound
	}

	doc, ok := out[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("anchor registry returned unexpected type %T", out[0])
	}
	if len(doc) == 0 {
		return nil, interfaces.ErrAnchorNotFound
	}

	return attestation.ParseAnchorDocument(doc)
}

// PublishAnchor records the measurement document for an image.
func (c *OnchainAnchorRegistry) PublishAnchor(ctx context.Context, image interfaces.ImageID, measurements interfaces.MeasurementMap) error {
	if c.auth == nil {
		return ErrNoTransactOpts
	}

	doc, err := attestation.EncodeAnchorDocument(measurements)
	if err != nil {
		return err
	}

	opts := *c.auth
	if opts.Context == nil {
		opts.Context = ctx
	}
	if _, err := c.contract.Transact(&opts, "setAnchor", [32]byte(image), doc); err != nil {
		return fmt.Errorf("failed to publish anchor: %w", err)
	}
	return nil
}
