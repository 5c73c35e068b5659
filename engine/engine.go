// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package engine ties the account, bundler, node, and paymaster layers
// together behind a persistent observable state document. The Engine owns
// one node and one bundler connection per configured network, a registry of
// unlocked runtime accounts, and a pool of in-flight transaction requests
// that it drives from intent to on-chain finality.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"opkit.org/opkit"
	"opkit.org/opkit/account"
	"opkit.org/opkit/bundler"
	"opkit.org/opkit/engine/state"
	"opkit.org/opkit/node"
	"opkit.org/opkit/paymaster"
	"opkit.org/opkit/userop"
	"opkit.org/opkit/wait"
)

const (
	// ErrNotRunning is returned for operations that need the engine's
	// background machinery before Run has been called.
	ErrNotRunning = opkit.ErrorKind("engine not running")
	// ErrAccountNotLoaded means the account exists in state but no owner
	// has been attached this session.
	ErrAccountNotLoaded = opkit.ErrorKind("account not loaded")
	// ErrBadForm indicates an invalid or incomplete input form.
	ErrBadForm = opkit.ErrorKind("bad form")
	// ErrNoEntryPoint means the network does not register an entry point
	// for the requested version.
	ErrNoEntryPoint = opkit.ErrorKind("no entry point for version")
)

const (
	defaultFinalityTimeout = 10 * time.Minute
	// resultRetention is how long a resolved request's result is held for a
	// late Wait before the entry is dropped.
	resultRetention = time.Hour
)

// nodeDriver is the part of *node.Client the engine uses. It exists so
// tests can stub the chain.
type nodeDriver interface {
	account.NodeReader
	ChainID(ctx context.Context) (*big.Int, error)
	FeeData(ctx context.Context) (*node.FeeData, error)
	Close()
}

// bundlerDriver is the part of *bundler.Client the engine uses.
type bundlerDriver interface {
	EntryPointSupported(entryPoint common.Address) bool
	EstimateGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*userop.GasLimits, error)
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error)
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)
	WaitForUserOp(ctx context.Context, q *wait.TickerQueue, userOpHash common.Hash, expiration time.Time) <-chan bundler.WaitResult
	UserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*bundler.UserOpReceipt, error)
	Close()
}

// netConn is a network's live connections.
type netConn struct {
	networkID string
	node      nodeDriver
	bundler   bundlerDriver
}

// Config is the engine configuration.
type Config struct {
	// Actor is the validated mutation layer over the state store.
	Actor *state.Actor
	// Authorizer approves operations before signing. Defaults to
	// NullAuthorizer, which approves everything.
	Authorizer Authorizer
	// ManualBundling requests an immediate bundle after each submission,
	// for bundlers running in manual mode.
	ManualBundling bool
	// FinalityTimeout bounds how long a submitted operation is polled for
	// inclusion before the request fails. Default 10 minutes.
	FinalityTimeout time.Duration
	// PollInterval is the inclusion polling interval. Defaults to
	// bundler.PollInterval.
	PollInterval time.Duration
	Logger       opkit.Logger
}

// Engine is the wallet engine.
type Engine struct {
	log      opkit.Logger
	actor    *state.Actor
	auth     Authorizer
	manual   bool
	finality time.Duration
	waitQ    *wait.TickerQueue

	ctxMtx sync.Mutex
	ctx    context.Context

	connMtx sync.Mutex
	conns   map[string]*netConn

	acctMtx   sync.Mutex
	accts     map[string]account.Account
	nonceMtxs map[string]*sync.Mutex

	pmMtx sync.Mutex
	pms   map[string]paymaster.Paymaster

	noteMtx   sync.RWMutex
	noteChans []chan *Note

	resMtx       sync.Mutex
	results      map[string]chan *txResult
	resRetention time.Duration
}

// New creates an Engine. Run must be called before transactions can be
// sent.
func New(cfg *Config) (*Engine, error) {
	if cfg.Actor == nil {
		return nil, fmt.Errorf("%w: no state actor", ErrBadForm)
	}
	auth := cfg.Authorizer
	if auth == nil {
		auth = NullAuthorizer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = opkit.Disabled
	}
	finality := cfg.FinalityTimeout
	if finality == 0 {
		finality = defaultFinalityTimeout
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = bundler.PollInterval
	}
	return &Engine{
		log:          logger,
		actor:        cfg.Actor,
		auth:         auth,
		manual:       cfg.ManualBundling,
		finality:     finality,
		waitQ:        wait.NewTickerQueue(poll),
		conns:        make(map[string]*netConn),
		accts:        make(map[string]account.Account),
		nonceMtxs:    make(map[string]*sync.Mutex),
		pms:          make(map[string]paymaster.Paymaster),
		results:      make(map[string]chan *txResult),
		resRetention: resultRetention,
	}, nil
}

// Run starts the engine's background machinery and blocks until ctx is
// canceled, then closes all network connections.
func (e *Engine) Run(ctx context.Context) {
	e.ctxMtx.Lock()
	e.ctx = ctx
	e.ctxMtx.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.waitQ.Run(ctx)
	}()

	<-ctx.Done()

	e.connMtx.Lock()
	for id, conn := range e.conns {
		conn.node.Close()
		conn.bundler.Close()
		delete(e.conns, id)
	}
	e.connMtx.Unlock()
	wg.Wait()
}

func (e *Engine) runCtx() (context.Context, error) {
	e.ctxMtx.Lock()
	defer e.ctxMtx.Unlock()
	if e.ctx == nil {
		return nil, ErrNotRunning
	}
	return e.ctx, nil
}

// Actor exposes the validated state layer for read access and
// administrative mutations such as network registration.
func (e *Engine) Actor() *state.Actor {
	return e.actor
}

// connect returns the live connection for a network, dialing the node and
// bundler on first use. The node's reported chain ID must match the
// network record.
func (e *Engine) connect(ctx context.Context, networkID string) (*netConn, error) {
	e.connMtx.Lock()
	defer e.connMtx.Unlock()
	if conn, found := e.conns[networkID]; found {
		return conn, nil
	}

	net, err := e.actor.Network(networkID)
	if err != nil {
		return nil, err
	}

	nc, err := node.Connect(ctx, net.NodeURL, e.log)
	if err != nil {
		return nil, fmt.Errorf("error connecting node for network %s: %w", networkID, err)
	}
	chainID, err := nc.ChainID(ctx)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("error fetching chain ID for network %s: %w", networkID, err)
	}
	if chainID.Uint64() != net.ChainID {
		nc.Close()
		return nil, fmt.Errorf("%w: node reports chain %d, network %s expects %d",
			state.ErrChainMismatch, chainID, networkID, net.ChainID)
	}

	bc, err := bundler.NewClient(ctx, &bundler.Config{
		URL:    net.BundlerURL,
		Manual: e.manual,
		Logger: e.log,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("error connecting bundler for network %s: %w", networkID, err)
	}

	conn := &netConn{networkID: networkID, node: nc, bundler: bc}
	e.conns[networkID] = conn
	return conn, nil
}

// SetPaymaster attaches a sponsorship source to a network. Without one,
// operations on the network pay their own gas. A non-nil record persists
// the configuration in the state document, so the wallet remembers which
// contract sponsors the network across sessions.
func (e *Engine) SetPaymaster(networkID string, pm paymaster.Paymaster, rec *state.Paymaster) error {
	if rec != nil {
		rec.NetworkID = networkID
		if err := e.actor.CreatePaymaster(rec); err != nil && !errors.Is(err, state.ErrDuplicateID) {
			return err
		}
	}
	e.pmMtx.Lock()
	e.pms[networkID] = pm
	e.pmMtx.Unlock()
	return nil
}

func (e *Engine) paymaster(networkID string) paymaster.Paymaster {
	e.pmMtx.Lock()
	defer e.pmMtx.Unlock()
	if pm, found := e.pms[networkID]; found {
		return pm
	}
	return paymaster.NullPaymaster{}
}

func (e *Engine) registerAccount(id string, acct account.Account) {
	e.acctMtx.Lock()
	e.accts[id] = acct
	e.nonceMtxs[id] = new(sync.Mutex)
	e.acctMtx.Unlock()
}

func (e *Engine) account(id string) (account.Account, error) {
	e.acctMtx.Lock()
	defer e.acctMtx.Unlock()
	acct, found := e.accts[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotLoaded, id)
	}
	return acct, nil
}

// nonceLock returns the mutex serializing nonce use for an account. The
// caller must hold it from the nonce read through submission so concurrent
// sends from one account cannot race to the same nonce.
func (e *Engine) nonceLock(id string) *sync.Mutex {
	e.acctMtx.Lock()
	defer e.acctMtx.Unlock()
	mtx, found := e.nonceMtxs[id]
	if !found {
		mtx = new(sync.Mutex)
		e.nonceMtxs[id] = mtx
	}
	return mtx
}

// NewAccountForm is the input to CreateAccount.
type NewAccountForm struct {
	NetworkID string
	// Type is an account type, account.TypeSimple or account.TypePasskey.
	Type string
	// Version selects the entry point version key. Default is v0.7.
	Version string
	Owner   account.Owner
	Salt    *big.Int
	// PublicKeyX and PublicKeyY identify passkey owners whose public key
	// lives in an external authenticator. Owners that expose a PublicKey
	// method do not need these.
	PublicKeyX, PublicKeyY *big.Int
}

// CreateAccount derives a new smart account from the network's registered
// factory, persists it, and loads it for this session. The account ID is
// its address string.
func (e *Engine) CreateAccount(ctx context.Context, form *NewAccountForm) (string, error) {
	if form.Owner == nil {
		return "", fmt.Errorf("%w: no owner", ErrBadForm)
	}
	net, err := e.actor.Network(form.NetworkID)
	if err != nil {
		return "", err
	}
	conn, err := e.connect(ctx, form.NetworkID)
	if err != nil {
		return "", err
	}

	version := form.Version
	if version == "" {
		version = state.VersionV0_7
	}
	epAddr, found := net.EntryPoints[version]
	if !found {
		return "", fmt.Errorf("%w: %s on network %s", ErrNoEntryPoint, version, form.NetworkID)
	}
	factoryAddr, found := net.Factories[form.Type]
	if !found {
		return "", fmt.Errorf("%w: network %s has no %q factory", ErrBadForm, form.NetworkID, form.Type)
	}

	cfg := &account.Config{
		EntryPoint: epAddr.Address,
		Node:       conn.node,
		Owner:      form.Owner,
		Logger:     e.log,
	}

	var acct account.Account
	switch form.Type {
	case account.TypeSimple:
		addresser, ok := form.Owner.(interface{ Address() common.Address })
		if !ok {
			return "", fmt.Errorf("%w: simple account owner has no address", ErrBadForm)
		}
		cfg.Factory, err = account.NewSimpleAccountFactory(conn.node, factoryAddr.Address, addresser.Address(), form.Salt)
		if err != nil {
			return "", err
		}
		acct, err = account.NewSimpleAccount(ctx, cfg)
	case account.TypePasskey:
		x, y := form.PublicKeyX, form.PublicKeyY
		if keyed, ok := form.Owner.(interface{ PublicKey() (x, y *big.Int) }); ok {
			x, y = keyed.PublicKey()
		}
		if x == nil || y == nil {
			return "", fmt.Errorf("%w: passkey account needs a public key", ErrBadForm)
		}
		cfg.Factory, err = account.NewPasskeyAccountFactory(conn.node, factoryAddr.Address, x, y, form.Salt)
		if err != nil {
			return "", err
		}
		acct, err = account.NewPasskeyAccount(ctx, cfg)
	default:
		return "", fmt.Errorf("%w: unknown account type %q", ErrBadForm, form.Type)
	}
	if err != nil {
		return "", err
	}

	dumpB, err := json.Marshal(acct.Dump())
	if err != nil {
		return "", fmt.Errorf("error marshaling account dump: %w", err)
	}
	id := acct.Address().String()
	err = e.actor.CreateAccount(&state.Account{
		ID:      id,
		ChainID: net.ChainID,
		Address: acct.Address(),
		Type:    form.Type,
		Dump:    dumpB,
	})
	if err != nil {
		return "", err
	}

	e.registerAccount(id, acct)
	e.notify(&Note{
		Topic:   TopicAccount,
		Subject: "Account created",
		Details: fmt.Sprintf("%s account %s on network %s", form.Type, id, form.NetworkID),
	})
	return id, nil
}

// RestoreAccount reattaches an owner to a persisted account, making it
// usable this session. The owner's key material is never persisted, so
// this must happen once per session before the account can sign.
func (e *Engine) RestoreAccount(ctx context.Context, accountID string, owner account.Owner) error {
	sa, err := e.actor.Account(accountID)
	if err != nil {
		return err
	}
	networkID, err := e.networkForChain(sa.ChainID)
	if err != nil {
		return err
	}
	conn, err := e.connect(ctx, networkID)
	if err != nil {
		return err
	}

	var dump account.Dump
	if err := json.Unmarshal(sa.Dump, &dump); err != nil {
		return fmt.Errorf("error decoding account dump for %s: %w", accountID, err)
	}
	acct, err := account.WrapAccount(&dump, &account.Deps{
		Node:   conn.node,
		Owner:  owner,
		Logger: e.log,
	})
	if err != nil {
		return err
	}

	e.registerAccount(accountID, acct)
	e.notify(&Note{
		Topic:   TopicAccount,
		Subject: "Account restored",
		Details: accountID,
	})
	return nil
}

// networkForChain finds a configured network on the given chain.
func (e *Engine) networkForChain(chainID uint64) (string, error) {
	st, err := e.actor.State()
	if err != nil {
		return "", err
	}
	for id, net := range st.Networks {
		if net.ChainID == chainID {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no network with chain ID %d", state.ErrUnknownNetwork, chainID)
}

// Accounts returns the addresses exposed to callers, currently the active
// network's active account. An empty slice means no account is selected.
func (e *Engine) Accounts() ([]opkit.Address, error) {
	net, err := e.actor.ActiveNetwork()
	if err != nil {
		return nil, err
	}
	if net.ActiveAccount == "" {
		return []opkit.Address{}, nil
	}
	acct, err := e.actor.Account(net.ActiveAccount)
	if err != nil {
		return nil, err
	}
	return []opkit.Address{acct.Address}, nil
}

// ActiveChainID is the chain ID of the active network.
func (e *Engine) ActiveChainID() (uint64, error) {
	net, err := e.actor.ActiveNetwork()
	if err != nil {
		return 0, err
	}
	return net.ChainID, nil
}

// EstimateGasPrice fetches current fee data from the active network's node.
func (e *Engine) EstimateGasPrice(ctx context.Context) (*node.FeeData, error) {
	net, err := e.actor.ActiveNetwork()
	if err != nil {
		return nil, err
	}
	conn, err := e.connect(ctx, net.ID)
	if err != nil {
		return nil, err
	}
	return conn.node.FeeData(ctx)
}

// SwitchNetwork changes the active network and notifies subscribers.
func (e *Engine) SwitchNetwork(networkID string) error {
	if err := e.actor.SwitchNetwork(networkID); err != nil {
		return err
	}
	e.notify(&Note{
		Topic:   TopicNetwork,
		Subject: "Network switched",
		Details: networkID,
	})
	return nil
}
