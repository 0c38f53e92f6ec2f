package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet is an opaque custodial wallet identity plus its public address.
type Wallet struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// WalletService is the custodial wallet boundary: create a wallet scoped to a
// chain type, and sign-and-submit a pre-built transfer using its identity.
type WalletService interface {
	CreateWallet(ctx context.Context, chainType string) (Wallet, error)
	SignAndSubmit(ctx context.Context, walletID string, req TransferRequest) (string, error)
}

// HTTPWalletService reaches a custodial wallet provider over REST.
type HTTPWalletService struct {
	baseURL    string
	credential string
	http       *http.Client
}

// NewHTTPWalletService constructs a client for the wallet provider.
func NewHTTPWalletService(baseURL, credential string) *HTTPWalletService {
	return &HTTPWalletService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateWallet provisions a new custodial wallet for the chain type.
func (s *HTTPWalletService) CreateWallet(ctx context.Context, chainType string) (Wallet, error) {
	var wallet Wallet
	err := s.post(ctx, "/v1/wallets", map[string]string{"chain": chainType}, &wallet)
	if err != nil {
		return Wallet{}, err
	}
	if wallet.ID == "" || wallet.Address == "" {
		return Wallet{}, fmt.Errorf("chain: wallet provider returned incomplete identity")
	}
	wallet.Address = NormalizeAddress(wallet.Address)
	return wallet, nil
}

// SignAndSubmit asks the provider to sign and broadcast the transfer.
func (s *HTTPWalletService) SignAndSubmit(ctx context.Context, walletID string, req TransferRequest) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	path := "/v1/wallets/" + walletID + "/transfers"
	if err := s.post(ctx, path, req, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if result.TxHash == "" {
		return "", fmt.Errorf("%w: provider returned no transaction hash", ErrTransferFailed)
	}
	return result.TxHash, nil
}

func (s *HTTPWalletService) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.credential != "" {
		req.Header.Set("Authorization", "Bearer "+s.credential)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("wallet provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// SimulatedWalletService provisions deterministic wallets for environments
// without chain access. Safe for concurrent use.
type SimulatedWalletService struct {
	counter atomic.Int64
}

// NewSimulatedWalletService constructs the offline wallet provider.
func NewSimulatedWalletService() *SimulatedWalletService {
	return &SimulatedWalletService{}
}

// CreateWallet derives a stable synthetic wallet identity.
func (s *SimulatedWalletService) CreateWallet(ctx context.Context, chainType string) (Wallet, error) {
	n := s.counter.Add(1)
	seed := fmt.Sprintf("%s/%d", chainType, n)
	digest := ethcrypto.Keccak256([]byte(seed))
	return Wallet{
		ID:      fmt.Sprintf("sim-wallet-%d", n),
		Address: NormalizeAddress(hexutil.Encode(digest[12:])),
	}, nil
}

// SignAndSubmit returns a synthetic proof derived from the request reference.
func (s *SimulatedWalletService) SignAndSubmit(ctx context.Context, walletID string, req TransferRequest) (string, error) {
	digest := ethcrypto.Keccak256([]byte(walletID + "/" + req.Reference))
	return "sim-" + hexutil.Encode(digest)[2:], nil
}
