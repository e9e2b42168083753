package resolver

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/chainclient"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/internal/rates"
	"github.com/crosslock-exchange/crosslockd/internal/storage"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

const (
	testETHAddress  = "0xB0B0000000000000000000000000000000000002"
	testNEARAccount = "alice.testnet"
)

// Transfers key by the canonical (checksummed) form.
func checksummed(addr string) string {
	return common.HexToAddress(addr).Hex()
}

// aptosCanonical pads a short Aptos address to the 64-hex canonical form.
func aptosCanonical(addr string) string {
	hexPart := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	return "0x" + strings.Repeat("0", 64-len(hexPart)) + hexPart
}

// fixedSource provides stable prices: 1 ETH = 1000 NEAR = 200 APT.
type fixedSource struct{}

func (fixedSource) Name() string { return "fixed" }

func (fixedSource) FetchUSD(ctx context.Context) (map[rates.Asset]decimal.Decimal, error) {
	return map[rates.Asset]decimal.Decimal{
		rates.AssetETH:  decimal.NewFromInt(2000),
		rates.AssetNEAR: decimal.NewFromInt(2),
		rates.AssetAPT:  decimal.NewFromInt(10),
	}, nil
}

type stubCall struct {
	escrowID string
	secret   string
}

// stubClient records every submission.
type stubClient struct {
	mu        sync.Mutex
	chain     bridge.Chain
	signer    string
	balance   *big.Int
	escrows   []*chainclient.EscrowParams
	claims    []stubCall
	cancels   []string
	transfers map[string]*big.Int

	createErr   error
	createNoID  bool
	transferErr error
	claimErr    error
}

func newStubClient(chain bridge.Chain) *stubClient {
	return &stubClient{
		chain:     chain,
		signer:    "reserves." + string(chain),
		balance:   big.NewInt(0).Lsh(big.NewInt(1), 80),
		transfers: make(map[string]*big.Int),
	}
}

func (c *stubClient) Chain() bridge.Chain   { return c.chain }
func (c *stubClient) SignerAccount() string { return c.signer }

func (c *stubClient) CreateEscrow(ctx context.Context, p *chainclient.EscrowParams) (*chainclient.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.escrows = append(c.escrows, p)
	escrowID := "escrow-1"
	if c.createNoID {
		escrowID = ""
	}
	return &chainclient.TxResult{TxHash: "tx-create", EscrowID: escrowID}, nil
}

func (c *stubClient) Claim(ctx context.Context, escrowID, secret string) (*chainclient.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimErr != nil {
		return nil, c.claimErr
	}
	c.claims = append(c.claims, stubCall{escrowID: escrowID, secret: secret})
	return &chainclient.TxResult{TxHash: "tx-claim", EscrowID: escrowID}, nil
}

func (c *stubClient) Cancel(ctx context.Context, escrowID string) (*chainclient.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, escrowID)
	return &chainclient.TxResult{TxHash: "tx-cancel", EscrowID: escrowID}, nil
}

func (c *stubClient) Transfer(ctx context.Context, recipient string, amount *big.Int) (*chainclient.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transferErr != nil {
		return nil, c.transferErr
	}
	c.transfers[recipient] = amount
	return &chainclient.TxResult{TxHash: "tx-transfer"}, nil
}

func (c *stubClient) Balance(ctx context.Context, account string) (*big.Int, error) {
	return c.balance, nil
}

func (c *stubClient) HeadBlock(ctx context.Context) (uint64, error) { return 100, nil }

// fusionStub layers the real Aptos client's counter-escrow surface over the
// plain stub.
type fusionStub struct {
	*stubClient
	heldClaims  []stubCall
	heldCancels []string
}

func (c *fusionStub) ClaimCounterEscrow(ctx context.Context, escrowID, secret string) (*chainclient.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heldClaims = append(c.heldClaims, stubCall{escrowID: escrowID, secret: secret})
	return &chainclient.TxResult{TxHash: "tx-held-claim", EscrowID: escrowID}, nil
}

func (c *fusionStub) CancelCounterEscrow(ctx context.Context, escrowID string) (*chainclient.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heldCancels = append(c.heldCancels, escrowID)
	return &chainclient.TxResult{TxHash: "tx-held-cancel", EscrowID: escrowID}, nil
}

type fixture struct {
	resolver *Resolver
	cfg      *config.Config
	eth      *stubClient
	near     *stubClient
	aptos    *stubClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Rates.DiscountBps = 200

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	secrets, err := NewSecretRegistry(store, logging.Default())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	rateSvc := rates.New(&rates.Config{
		Sources:     []rates.Source{fixedSource{}},
		DiscountBps: cfg.Rates.DiscountBps,
	})

	f := &fixture{
		cfg:   cfg,
		eth:   newStubClient(bridge.ChainEthereum),
		near:  newStubClient(bridge.ChainNEAR),
		aptos: newStubClient(bridge.ChainAptos),
	}
	f.resolver = New(cfg, bridge.NewStore(store), secrets, rateSvc, map[bridge.Chain]chainclient.Client{
		bridge.ChainEthereum: f.eth,
		bridge.ChainNEAR:     f.near,
		bridge.ChainAptos:    f.aptos,
	}, logging.Default())
	return f
}

func secretAndHashlock(t *testing.T, typ bridge.Type) (string, string) {
	t.Helper()
	secret := strings.Repeat("7f", 32)
	return secret, bridge.HashSecret(secret, bridge.HashFuncFor(typ))
}

// nearEscrowEvent describes a 1000 NEAR deposit in yocto.
func nearEscrowEvent(hashlock string) *bridge.ChainEvent {
	amount, _ := new(big.Int).SetString("1000000000000000000000000000", 10)
	return &bridge.ChainEvent{
		Chain:        bridge.ChainNEAR,
		Kind:         bridge.EventEscrowCreated,
		EscrowID:     "htlc_0",
		Hashlock:     hashlock,
		Amount:       amount,
		Sender:       testNEARAccount,
		EmbeddedDest: testETHAddress,
		Timelock:     time.Now().Add(2 * time.Hour),
	}
}

func TestInitiateBridgeValidation(t *testing.T) {
	f := newFixture(t)
	_, hashlock := secretAndHashlock(t, bridge.ETHToNEAR)

	valid := func() *BridgeRequest {
		return &BridgeRequest{
			Type:          bridge.ETHToNEAR,
			Amount:        big.NewInt(1e18),
			Hashlock:      hashlock,
			Timelock:      time.Now().Add(time.Hour),
			DestRecipient: testNEARAccount,
		}
	}

	tests := []struct {
		name   string
		mutate func(req *BridgeRequest)
	}{
		{"unknown type", func(req *BridgeRequest) { req.Type = "near_to_aptos" }},
		{"zero amount", func(req *BridgeRequest) { req.Amount = big.NewInt(0) }},
		{"missing hashlock", func(req *BridgeRequest) { req.Hashlock = "0x" }},
		{"past timelock", func(req *BridgeRequest) { req.Timelock = time.Now().Add(-time.Minute) }},
		{"missing recipient", func(req *BridgeRequest) { req.DestRecipient = "" }},
		{"bad eth recipient", func(req *BridgeRequest) {
			req.Type = bridge.NEARToETH
			req.SourceSender = testNEARAccount
			req.DestRecipient = "not-an-address"
		}},
		{"missing near sender", func(req *BridgeRequest) {
			req.Type = bridge.NEARToETH
			req.DestRecipient = testETHAddress
			req.SourceSender = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			if _, err := f.resolver.InitiateBridge(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("got %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestInitiateBeforeEscrowStaysPending(t *testing.T) {
	f := newFixture(t)
	_, hashlock := secretAndHashlock(t, bridge.ETHToNEAR)

	b, err := f.resolver.InitiateBridge(context.Background(), &BridgeRequest{
		Type:          bridge.ETHToNEAR,
		Amount:        big.NewInt(1e18),
		Hashlock:      hashlock,
		Timelock:      time.Now().Add(time.Hour),
		DestRecipient: testNEARAccount,
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if b.Status != bridge.StatusPending {
		t.Errorf("status = %s, want pending", b.Status)
	}
	if len(f.near.escrows) != 0 {
		t.Error("counter-leg must wait for the source escrow")
	}
}

func TestETHToNEARCounterEscrowAndSettlement(t *testing.T) {
	f := newFixture(t)
	secret, hashlock := secretAndHashlock(t, bridge.ETHToNEAR)
	ctx := context.Background()

	if _, err := f.resolver.InitiateBridge(ctx, &BridgeRequest{
		Type:          bridge.ETHToNEAR,
		Amount:        big.NewInt(1e18),
		Hashlock:      hashlock,
		Timelock:      time.Now().Add(time.Hour),
		DestRecipient: testNEARAccount,
	}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:    bridge.ChainEthereum,
		Kind:     bridge.EventEscrowCreated,
		TxHash:   "0xsrc",
		EscrowID: "0x" + hashlock,
		Hashlock: hashlock,
		Amount:   big.NewInt(1e18),
		Sender:   "0xA11CE00000000000000000000000000000000001",
		Timelock: time.Now().Add(time.Hour),
	})

	b, err := f.resolver.bridges.ByHashlock(hashlock)
	if err != nil {
		t.Fatalf("bridge lookup failed: %v", err)
	}
	if b.Status != bridge.StatusActive {
		t.Fatalf("status = %s, want active", b.Status)
	}
	if len(f.near.escrows) != 1 {
		t.Fatalf("got %d NEAR escrows, want 1", len(f.near.escrows))
	}
	counter := f.near.escrows[0]
	if counter.Recipient != testNEARAccount {
		t.Errorf("recipient = %q", counter.Recipient)
	}
	if counter.Hashlock != hashlock {
		t.Errorf("hashlock = %q", counter.Hashlock)
	}
	// 1 ETH at 1000 NEAR/ETH in 24-decimal base units.
	want, _ := new(big.Int).SetString("1000000000000000000000000000", 10)
	if counter.Amount.Cmp(want) != 0 {
		t.Errorf("counter amount = %s, want %s", counter.Amount, want)
	}
	if !f.resolver.sched.watching(b.ID) {
		t.Error("expected a secret monitor for the active bridge")
	}

	// The user claims on NEAR; the secret reaches us through registration.
	if err := f.resolver.RegisterSecret(ctx, hashlock, secret); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	b, _ = f.resolver.bridges.Get(b.ID)
	if b.Status != bridge.StatusCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	if len(f.eth.claims) != 1 || f.eth.claims[0].secret != secret {
		t.Errorf("source claim = %+v", f.eth.claims)
	}
	if f.resolver.sched.watching(b.ID) {
		t.Error("monitor should stop after settlement")
	}
}

func TestNEARToETHReleasesBeforeSecret(t *testing.T) {
	f := newFixture(t)
	secret, hashlock := secretAndHashlock(t, bridge.NEARToETH)
	ctx := context.Background()

	f.resolver.handleEvent(ctx, nearEscrowEvent(hashlock))

	b, err := f.resolver.bridges.ByHashlock(hashlock)
	if err != nil {
		t.Fatalf("bridge lookup failed: %v", err)
	}
	if b.Type != bridge.NEARToETH {
		t.Fatalf("type = %s", b.Type)
	}
	if b.Status != bridge.StatusActive {
		t.Fatalf("status = %s, want active after release", b.Status)
	}

	released, ok := f.eth.transfers[checksummed(testETHAddress)]
	if !ok {
		t.Fatalf("no release to %s, transfers: %v", testETHAddress, f.eth.transfers)
	}
	// 1000 NEAR at 0.001 ETH/NEAR minus the 2% toward-ETH discount.
	want, _ := new(big.Int).SetString("980000000000000000", 10)
	if released.Cmp(want) != 0 {
		t.Errorf("released = %s, want %s", released, want)
	}

	// The secret only proves completion afterwards.
	if err := f.resolver.RegisterSecret(ctx, hashlock, secret); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	b, _ = f.resolver.bridges.Get(b.ID)
	if b.Status != bridge.StatusCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	if len(f.near.claims) != 1 || f.near.claims[0].escrowID != "htlc_0" {
		t.Errorf("source claim = %+v", f.near.claims)
	}
}

func TestNEARToETHAddressMapTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	mapped := "0xC0DE000000000000000000000000000000000003"
	f.cfg.AddressMap = map[string]string{testNEARAccount: mapped}
	_, hashlock := secretAndHashlock(t, bridge.NEARToETH)

	f.resolver.handleEvent(context.Background(), nearEscrowEvent(hashlock))

	if _, ok := f.eth.transfers[checksummed(mapped)]; !ok {
		t.Errorf("release should use the static map, transfers: %v", f.eth.transfers)
	}
}

func TestNEARToETHFailsWithoutDestination(t *testing.T) {
	f := newFixture(t)
	_, hashlock := secretAndHashlock(t, bridge.NEARToETH)

	ev := nearEscrowEvent(hashlock)
	ev.EmbeddedDest = ""
	f.resolver.handleEvent(context.Background(), ev)

	b, err := f.resolver.bridges.ByHashlock(hashlock)
	if err != nil {
		t.Fatalf("bridge lookup failed: %v", err)
	}
	if b.Status != bridge.StatusFailed {
		t.Fatalf("status = %s, want failed", b.Status)
	}
	if b.Error == "" {
		t.Error("failure cause must be recorded")
	}
	if len(f.eth.transfers) != 0 {
		t.Error("no release may happen without a verified destination")
	}
}

func TestAptosToETHInsufficientReserves(t *testing.T) {
	f := newFixture(t)
	f.eth.balance = big.NewInt(1)
	_, hashlock := secretAndHashlock(t, bridge.AptosToETH)

	f.resolver.handleEvent(context.Background(), &bridge.ChainEvent{
		Chain:        bridge.ChainAptos,
		Kind:         bridge.EventEscrowCreated,
		EscrowID:     "7",
		Hashlock:     hashlock,
		Amount:       big.NewInt(200_000_000), // 2 APT
		Sender:       "0xa11ce",
		EmbeddedDest: testETHAddress,
	})

	b, err := f.resolver.bridges.ByHashlock(hashlock)
	if err != nil {
		t.Fatalf("bridge lookup failed: %v", err)
	}
	if b.Status != bridge.StatusFailed {
		t.Fatalf("status = %s, want failed", b.Status)
	}
	if !strings.Contains(b.Error, "insufficient") {
		t.Errorf("error = %q", b.Error)
	}
	if len(f.eth.transfers) != 0 {
		t.Error("no transfer may happen on insufficient reserves")
	}
}

func TestETHToAptosSimplePathCompletes(t *testing.T) {
	f := newFixture(t)
	_, hashlock := secretAndHashlock(t, bridge.ETHToAptos)
	ctx := context.Background()

	if _, err := f.resolver.InitiateBridge(ctx, &BridgeRequest{
		Type:          bridge.ETHToAptos,
		Amount:        big.NewInt(1e18),
		Hashlock:      hashlock,
		Timelock:      time.Now().Add(time.Hour),
		DestRecipient: "0xb0b",
	}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:    bridge.ChainEthereum,
		Kind:     bridge.EventEscrowCreated,
		TxHash:   "0xsrc",
		EscrowID: "0x" + hashlock,
		Hashlock: hashlock,
		Amount:   big.NewInt(1e18),
	})

	b, err := f.resolver.bridges.ByHashlock(hashlock)
	if err != nil {
		t.Fatalf("bridge lookup failed: %v", err)
	}
	if b.Status != bridge.StatusCompleted {
		t.Fatalf("status = %s, want completed on the simple path", b.Status)
	}
	// 1 ETH at 200 APT/ETH in octas.
	want := big.NewInt(20_000_000_000)
	if got := f.aptos.transfers[aptosCanonical("0xb0b")]; got == nil || got.Cmp(want) != 0 {
		t.Errorf("sent %s, want %s", got, want)
	}
}

func TestETHToAptosFusionPath(t *testing.T) {
	f := newFixture(t)
	f.cfg.Ethereum.EscrowFactory = "0x00000000000000000000000000000000000000fa"
	f.cfg.Aptos.FusionModule = "0x1::fusion_htlc"
	f.cfg.Aptos.SignerAddress = "0xfeed"
	fs := &fusionStub{stubClient: f.aptos}
	f.resolver.clients[bridge.ChainAptos] = fs
	secret, hashlock := secretAndHashlock(t, bridge.ETHToAptos)
	ctx := context.Background()

	if _, err := f.resolver.InitiateBridge(ctx, &BridgeRequest{
		Type:          bridge.ETHToAptos,
		Amount:        big.NewInt(1e18),
		Hashlock:      hashlock,
		Timelock:      time.Now().Add(time.Hour),
		DestRecipient: "0xb0b",
	}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:    bridge.ChainEthereum,
		Kind:     bridge.EventEscrowCreated,
		TxHash:   "0xsrc",
		EscrowID: "0x" + hashlock,
		Hashlock: hashlock,
		Amount:   big.NewInt(1e18),
	})

	b, _ := f.resolver.bridges.ByHashlock(hashlock)
	if b.Status != bridge.StatusActive {
		t.Fatalf("status = %s, want active while escrow is held", b.Status)
	}
	if len(f.aptos.escrows) != 1 || f.aptos.escrows[0].Recipient != aptosCanonical("0xfeed") {
		t.Fatalf("fusion escrow must be addressed to the resolver, got %+v", f.aptos.escrows)
	}
	if len(f.aptos.transfers) != 0 {
		t.Error("no redistribution before the secret reveal")
	}

	if err := f.resolver.RegisterSecret(ctx, hashlock, secret); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	b, _ = f.resolver.bridges.Get(b.ID)
	if b.Status != bridge.StatusCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	// The held escrow lives on the fusion module, not the user-escrow one.
	if len(fs.heldClaims) != 1 {
		t.Errorf("fusion escrow claim missing: %+v", fs.heldClaims)
	}
	if len(f.aptos.claims) != 0 {
		t.Errorf("user-escrow claim must not be used: %+v", f.aptos.claims)
	}
	if _, ok := f.aptos.transfers[aptosCanonical("0xb0b")]; !ok {
		t.Errorf("redistribution missing, transfers: %v", f.aptos.transfers)
	}
	if len(f.eth.claims) != 1 {
		t.Errorf("source escrow claim missing: %+v", f.eth.claims)
	}
}

func TestCounterEscrowWithoutIDStaysPending(t *testing.T) {
	f := newFixture(t)
	f.near.createNoID = true
	_, hashlock := secretAndHashlock(t, bridge.ETHToNEAR)
	ctx := context.Background()

	if _, err := f.resolver.InitiateBridge(ctx, &BridgeRequest{
		Type:          bridge.ETHToNEAR,
		Amount:        big.NewInt(1e18),
		Hashlock:      hashlock,
		Timelock:      time.Now().Add(time.Hour),
		DestRecipient: testNEARAccount,
	}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:    bridge.ChainEthereum,
		Kind:     bridge.EventEscrowCreated,
		TxHash:   "0xsrc",
		EscrowID: "0x" + hashlock,
		Hashlock: hashlock,
		Amount:   big.NewInt(1e18),
	})

	// The escrow went out, but without its reference the funds could never
	// be claimed or reclaimed; the bridge must not progress.
	b, _ := f.resolver.bridges.ByHashlock(hashlock)
	if b.Status != bridge.StatusPending {
		t.Errorf("status = %s, want pending", b.Status)
	}
	if f.resolver.sched.watching(b.ID) {
		t.Error("no monitor may start without an escrow reference")
	}
}

func TestAptosClaimCorrelatesByEscrowID(t *testing.T) {
	f := newFixture(t)
	secret, hashlock := secretAndHashlock(t, bridge.AptosToETH)
	ctx := context.Background()

	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:        bridge.ChainAptos,
		Kind:         bridge.EventEscrowCreated,
		EscrowID:     "7",
		Hashlock:     hashlock,
		Amount:       big.NewInt(200_000_000),
		Sender:       "0xa11ce",
		EmbeddedDest: testETHAddress,
		Timelock:     time.Now().Add(2 * time.Hour),
	})

	// A public withdrawal surfaces as a claim event carrying only the
	// module-assigned escrow id, never the hashlock.
	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:    bridge.ChainAptos,
		Kind:     bridge.EventLegCompleted,
		EscrowID: "7",
		Secret:   secret,
	})

	b, err := f.resolver.bridges.ByHashlock(hashlock)
	if err != nil {
		t.Fatalf("bridge lookup failed: %v", err)
	}
	if b.Status != bridge.StatusCompleted {
		t.Errorf("status = %s, want completed", b.Status)
	}
	got, ok := f.resolver.secrets.Lookup(hashlock)
	if !ok || got != secret {
		t.Errorf("secret keyed by %q = %q, %v", hashlock, got, ok)
	}
}

func TestSettleClaimsPlainLegOutsideStagedWindows(t *testing.T) {
	f := newFixture(t)
	secret, hashlock := secretAndHashlock(t, bridge.NEARToETH)
	ctx := context.Background()

	// Released hours ago; a plain HTLC honors the secret until its own
	// deadline, whatever the staged schedule would say.
	f.resolver.bridges.Restore([]*bridge.Bridge{{
		ID:             bridge.NewID(bridge.NEARToETH, hashlock),
		Type:           bridge.NEARToETH,
		Status:         bridge.StatusActive,
		Hashlock:       hashlock,
		Amount:         big.NewInt(1e18),
		SourceSender:   testNEARAccount,
		SourceEscrowID: "htlc_0",
		DestRecipient:  checksummed(testETHAddress),
		DestTxHash:     "tx-release",
		Timelock:       time.Now().Add(2 * time.Hour),
		CreatedAt:      time.Now().Add(-5 * time.Hour),
	}})

	if err := f.resolver.RegisterSecret(ctx, hashlock, secret); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	b, _ := f.resolver.bridges.ByHashlock(hashlock)
	if b.Status != bridge.StatusCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	if len(f.near.claims) != 1 || f.near.claims[0].escrowID != "htlc_0" {
		t.Errorf("source claim = %+v", f.near.claims)
	}
}

func TestSettleRejectsExpiredPlainLeg(t *testing.T) {
	f := newFixture(t)
	secret, hashlock := secretAndHashlock(t, bridge.NEARToETH)

	b := &bridge.Bridge{
		ID:             bridge.NewID(bridge.NEARToETH, hashlock),
		Type:           bridge.NEARToETH,
		Status:         bridge.StatusActive,
		Hashlock:       hashlock,
		Amount:         big.NewInt(1e18),
		SourceSender:   testNEARAccount,
		SourceEscrowID: "htlc_0",
		DestRecipient:  checksummed(testETHAddress),
		DestTxHash:     "tx-release",
		Timelock:       time.Now().Add(-time.Minute),
		CreatedAt:      time.Now().Add(-3 * time.Hour),
	}
	f.resolver.bridges.Restore([]*bridge.Bridge{b})

	if err := f.resolver.CompleteBridge(context.Background(), b.ID, secret); err == nil {
		t.Fatal("claim past the source timelock must fail")
	}
	after, _ := f.resolver.bridges.Get(b.ID)
	if after.Status != bridge.StatusActive {
		t.Errorf("status = %s, want active", after.Status)
	}
	if len(f.near.claims) != 0 {
		t.Errorf("no claim may be submitted: %+v", f.near.claims)
	}
}

func TestCompleteBridgeVerifiesSecretBeforeMutation(t *testing.T) {
	f := newFixture(t)
	_, hashlock := secretAndHashlock(t, bridge.ETHToNEAR)
	ctx := context.Background()

	b, err := f.resolver.InitiateBridge(ctx, &BridgeRequest{
		Type:          bridge.ETHToNEAR,
		Amount:        big.NewInt(1e18),
		Hashlock:      hashlock,
		Timelock:      time.Now().Add(time.Hour),
		DestRecipient: testNEARAccount,
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	if err := f.resolver.CompleteBridge(ctx, b.ID, "wrong-secret"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("got %v, want ErrInvalidSecret", err)
	}
	after, _ := f.resolver.BridgeByID(b.ID)
	if after.Status != bridge.StatusPending || after.Secret != "" {
		t.Errorf("rejected secret must not mutate the bridge: %+v", after)
	}

	if err := f.resolver.CompleteBridge(ctx, "no-such-id", "x"); !errors.Is(err, bridge.ErrBridgeNotFound) {
		t.Errorf("got %v, want ErrBridgeNotFound", err)
	}
}

func TestEventBeforeInitiateIsEquivalent(t *testing.T) {
	f := newFixture(t)
	_, hashlock := secretAndHashlock(t, bridge.ETHToNEAR)
	ctx := context.Background()

	// The escrow event arrives first; no recipient is derivable yet.
	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:    bridge.ChainEthereum,
		Kind:     bridge.EventEscrowCreated,
		TxHash:   "0xsrc",
		EscrowID: "0x" + hashlock,
		Hashlock: hashlock,
		Amount:   big.NewInt(1e18),
		Timelock: time.Now().Add(time.Hour),
	})
	b, err := f.resolver.bridges.ByHashlock(hashlock)
	if err != nil {
		t.Fatalf("event should have created a bridge: %v", err)
	}
	if b.Status != bridge.StatusPending || len(f.near.escrows) != 0 {
		t.Fatalf("bridge must wait for a recipient, status %s", b.Status)
	}

	// Initiation supplies the missing recipient and triggers the counter-leg.
	if _, err := f.resolver.InitiateBridge(ctx, &BridgeRequest{
		Type:          bridge.ETHToNEAR,
		Amount:        big.NewInt(1e18),
		Hashlock:      hashlock,
		Timelock:      time.Now().Add(time.Hour),
		DestRecipient: testNEARAccount,
	}); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	b, _ = f.resolver.bridges.Get(b.ID)
	if b.Status != bridge.StatusActive {
		t.Errorf("status = %s, want active", b.Status)
	}
	if len(f.near.escrows) != 1 {
		t.Errorf("got %d counter escrows, want 1", len(f.near.escrows))
	}
}

func TestDuplicateEscrowEventIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, hashlock := secretAndHashlock(t, bridge.NEARToETH)
	ctx := context.Background()

	f.resolver.handleEvent(ctx, nearEscrowEvent(hashlock))
	f.resolver.handleEvent(ctx, nearEscrowEvent(hashlock))

	if got := len(f.resolver.AllBridges()); got != 1 {
		t.Errorf("got %d bridges, want 1", got)
	}
	if got := len(f.eth.transfers); got != 1 {
		t.Errorf("got %d releases, want 1", got)
	}
}

func TestCounterEscrowFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.near.createErr = errors.New("rpc down")
	_, hashlock := secretAndHashlock(t, bridge.ETHToNEAR)
	ctx := context.Background()

	if _, err := f.resolver.InitiateBridge(ctx, &BridgeRequest{
		Type:          bridge.ETHToNEAR,
		Amount:        big.NewInt(1e18),
		Hashlock:      hashlock,
		Timelock:      time.Now().Add(time.Hour),
		DestRecipient: testNEARAccount,
	}); err != nil {
		t.Fatalf("initiate must not fail on counter-leg failure: %v", err)
	}
	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:    bridge.ChainEthereum,
		Kind:     bridge.EventEscrowCreated,
		TxHash:   "0xsrc",
		EscrowID: "0x" + hashlock,
		Hashlock: hashlock,
		Amount:   big.NewInt(1e18),
	})

	b, _ := f.resolver.bridges.ByHashlock(hashlock)
	if b.Status != bridge.StatusPending {
		t.Errorf("status = %s, want pending", b.Status)
	}
}

func TestRegisterSecretConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.resolver.RegisterSecret(ctx, "ab12", "secret-1"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := f.resolver.RegisterSecret(ctx, "AB12", "secret-1"); err != nil {
		t.Fatalf("same value must be a no-op: %v", err)
	}
	if err := f.resolver.RegisterSecret(ctx, "ab12", "secret-2"); !errors.Is(err, ErrSecretConflict) {
		t.Fatalf("got %v, want ErrSecretConflict", err)
	}
}

func TestClaimEventSettlesBridge(t *testing.T) {
	f := newFixture(t)
	secret, hashlock := secretAndHashlock(t, bridge.NEARToETH)
	ctx := context.Background()

	f.resolver.handleEvent(ctx, nearEscrowEvent(hashlock))
	f.resolver.handleEvent(ctx, &bridge.ChainEvent{
		Chain:    bridge.ChainEthereum,
		Kind:     bridge.EventLegCompleted,
		TxHash:   "0xclaim",
		EscrowID: "0x" + hashlock,
		Secret:   secret,
	})

	b, err := f.resolver.bridges.ByHashlock(hashlock)
	if err != nil {
		t.Fatalf("bridge lookup failed: %v", err)
	}
	if b.Status != bridge.StatusCompleted {
		t.Errorf("status = %s, want completed", b.Status)
	}
	if b.Secret != secret {
		t.Errorf("secret = %q", b.Secret)
	}
}
