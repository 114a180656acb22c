// Package ledger wraps the append-only on-chain audit log of moderation
// infractions.
//
// The client owns transport only: one submission per call, confirmation
// wait included, no internal retry. The contract is not idempotent, so any
// retry decision belongs to the caller.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Infraction is one policy-violation record as stored on the ledger.
type Infraction struct {
	Subject    string
	Reason     string
	DetectedAt time.Time
}

// RecordReceipt is proof that one infraction append was accepted by the
// ledger. Confirmed is true only once the transaction was mined
// successfully, not merely sent.
type RecordReceipt struct {
	TransactionRef string
	Confirmed      bool
}

// ABI of the deployed ChatSafe contract.
const contractABI = `[
	{"type":"event","name":"MessageFlagged","inputs":[{"name":"offender","type":"address"},{"name":"reason","type":"string"}],"anonymous":false},
	{"type":"function","name":"logFlag","stateMutability":"nonpayable","inputs":[{"name":"offender","type":"address"},{"name":"reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"getReports","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"tuple[]","components":[{"name":"offender","type":"address"},{"name":"reason","type":"string"},{"name":"timestamp","type":"uint256"}]}]},
	{"type":"function","name":"reputation","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	parsedABIOnce sync.Once
	parsedABIVal  abi.ABI
	parsedABIErr  error
)

func parsedABI() (abi.ABI, error) {
	parsedABIOnce.Do(func() {
		parsedABIVal, parsedABIErr = abi.JSON(strings.NewReader(contractABI))
	})
	return parsedABIVal, parsedABIErr
}

// EthLedger talks to the ChatSafe contract over an EVM JSON-RPC endpoint.
// All submissions share one signing key, so they are serialized through
// submitMu to keep nonce assignment in order; the confirmation wait itself
// runs outside the lock.
type EthLedger struct {
	logger   *slog.Logger
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	submitMu sync.Mutex
}

// NewEthLedger validates the contract address and signing key, connects to
// the RPC endpoint, and binds the contract. Any validation or connection
// failure here is a fatal startup condition for the agent.
func NewEthLedger(ctx context.Context, rpcURL, contractAddr, signingKeyHex string, logger *slog.Logger) (*EthLedger, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("ledger RPC URL is required")
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("malformed ledger contract address: %q", contractAddr)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signingKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing ledger RPC: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain ID: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("constructing transactor: %w", err)
	}

	cabi, err := parsedABI()
	if err != nil {
		return nil, fmt.Errorf("parsing contract ABI: %w", err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(contractAddr), cabi, client, client, client)

	logger.Info("ledger client connected", "contract", contractAddr, "chainID", chainID, "signer", crypto.PubkeyToAddress(key.PublicKey))
	return &EthLedger{
		logger:   logger,
		client:   client,
		contract: contract,
		opts:     opts,
	}, nil
}

// AppendInfraction submits one logFlag transaction and blocks until it is
// mined or the context expires. Subject and reason are passed through
// exactly as given. Calling twice for the same logical infraction produces
// two records.
func (l *EthLedger) AppendInfraction(ctx context.Context, subject, reason string) (*RecordReceipt, error) {
	if !common.IsHexAddress(subject) {
		return nil, fmt.Errorf("subject is not a valid ledger address: %q", subject)
	}

	start := time.Now()
	defer func() {
		submitDuration.Observe(time.Since(start).Seconds())
	}()

	// hold the lock through nonce assignment and signing only
	l.submitMu.Lock()
	opts := *l.opts
	opts.Context = ctx
	tx, err := l.contract.Transact(&opts, "logFlag", common.HexToAddress(subject), reason)
	l.submitMu.Unlock()
	if err != nil {
		submitCount.WithLabelValues("submit-error").Inc()
		return nil, fmt.Errorf("submitting infraction: %w", err)
	}

	l.logger.Debug("infraction submitted, waiting for confirmation", "tx", tx.Hash().Hex())
	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		submitCount.WithLabelValues("wait-error").Inc()
		return nil, fmt.Errorf("waiting for infraction confirmation (tx %s): %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		submitCount.WithLabelValues("reverted").Inc()
		return &RecordReceipt{TransactionRef: tx.Hash().Hex(), Confirmed: false},
			fmt.Errorf("infraction transaction reverted: %s", tx.Hash().Hex())
	}

	submitCount.WithLabelValues("confirmed").Inc()
	return &RecordReceipt{TransactionRef: tx.Hash().Hex(), Confirmed: true}, nil
}

// ledgerReport mirrors the contract's report tuple layout.
type ledgerReport struct {
	Offender  common.Address
	Reason    string
	Timestamp *big.Int
}

// ListInfractions reads back all recorded infractions, in insertion order
// (newest last). Read path for the reports CLI and dashboard; the pipeline
// never calls this.
func (l *EthLedger) ListInfractions(ctx context.Context) ([]Infraction, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getReports"); err != nil {
		return nil, fmt.Errorf("reading ledger reports: %w", err)
	}
	reports := *abi.ConvertType(out[0], new([]ledgerReport)).(*[]ledgerReport)
	return infractionsFromReports(reports), nil
}

func infractionsFromReports(reports []ledgerReport) []Infraction {
	infractions := make([]Infraction, 0, len(reports))
	for _, rep := range reports {
		infractions = append(infractions, Infraction{
			Subject:    rep.Offender.Hex(),
			Reason:     rep.Reason,
			DetectedAt: time.Unix(rep.Timestamp.Int64(), 0).UTC(),
		})
	}
	return infractions
}

// Reputation returns the contract-tracked infraction count for a subject.
func (l *EthLedger) Reputation(ctx context.Context, subject string) (uint64, error) {
	if !common.IsHexAddress(subject) {
		return 0, fmt.Errorf("subject is not a valid ledger address: %q", subject)
	}
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "reputation", common.HexToAddress(subject)); err != nil {
		return 0, fmt.Errorf("reading reputation: %w", err)
	}
	rep := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return rep.Uint64(), nil
}
