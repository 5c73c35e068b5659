// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package state

import (
	"fmt"
	"sort"
	"time"

	"opkit.org/opkit"
)

const (
	ErrUnknownNetwork = opkit.ErrorKind("unknown network")
	ErrUnknownAccount = opkit.ErrorKind("unknown account")
	ErrUnknownRequest = opkit.ErrorKind("unknown request")
	ErrDuplicateID    = opkit.ErrorKind("duplicate id")
	ErrChainMismatch  = opkit.ErrorKind("chain mismatch")
	ErrBadRequest     = opkit.ErrorKind("bad request")
)

// Actor layers validated domain mutations over the Store. Every operation
// validates its invariants and mutates in one atomic step; a validation
// failure leaves prior state untouched.
type Actor struct {
	store *Store
	log   opkit.Logger
}

// NewActor creates an Actor over the store.
func NewActor(store *Store, logger opkit.Logger) *Actor {
	if logger == nil {
		logger = opkit.Disabled
	}
	return &Actor{store: store, log: logger}
}

// Store returns the underlying store, for subscriptions.
func (a *Actor) Store() *Store {
	return a.store
}

// State decodes the current document into its typed form.
func (a *Actor) State() (*State, error) {
	var st State
	if err := fromDoc(a.store.Get(), &st); err != nil {
		return nil, fmt.Errorf("error decoding state: %w", err)
	}
	return &st, nil
}

func decodeState(doc Doc) (*State, error) {
	var st State
	if err := fromDoc(doc, &st); err != nil {
		return nil, fmt.Errorf("error decoding state: %w", err)
	}
	return &st, nil
}

// CreateNetwork registers a network.
func (a *Actor) CreateNetwork(n *Network) error {
	if n.ID == "" || n.ChainID == 0 {
		return opkit.NewError(ErrBadRequest, "network needs an id and chain id")
	}
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		if _, found := st.Networks[n.ID]; found {
			return nil, opkit.NewError(ErrDuplicateID, "network "+n.ID)
		}
		entry, err := toDoc(n)
		if err != nil {
			return nil, err
		}
		return Doc{"network": Doc{n.ID: entry}}, nil
	})
}

// CreateAccount registers an account. When the account's chain has a
// registered network with no active account yet, the new account becomes
// that network's active account.
func (a *Actor) CreateAccount(acct *Account) error {
	if acct.ID == "" || acct.Address.IsZero() {
		return opkit.NewError(ErrBadRequest, "account needs an id and address")
	}
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		if _, found := st.Accounts[acct.ID]; found {
			return nil, opkit.NewError(ErrDuplicateID, "account "+acct.ID)
		}
		entry, err := toDoc(acct)
		if err != nil {
			return nil, err
		}
		patch := Doc{"account": Doc{acct.ID: entry}}
		for id, n := range st.Networks {
			if n.ChainID == acct.ChainID && n.ActiveAccount == "" {
				patch["network"] = Doc{id: Doc{"activeAccountId": acct.ID}}
				break
			}
		}
		return patch, nil
	})
}

// CreatePaymaster persists a sponsorship configuration. The referenced
// network must exist.
func (a *Actor) CreatePaymaster(pm *Paymaster) error {
	if pm.ID == "" || pm.Address.IsZero() {
		return opkit.NewError(ErrBadRequest, "paymaster needs an id and address")
	}
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		if _, found := st.Paymasters[pm.ID]; found {
			return nil, opkit.NewError(ErrDuplicateID, "paymaster "+pm.ID)
		}
		if _, found := st.Networks[pm.NetworkID]; !found {
			return nil, opkit.NewError(ErrUnknownNetwork, pm.NetworkID)
		}
		entry, err := toDoc(pm)
		if err != nil {
			return nil, err
		}
		return Doc{"paymaster": Doc{pm.ID: entry}}, nil
	})
}

// NetworkPaymasters returns the network's persisted sponsorship
// configurations.
func (a *Actor) NetworkPaymasters(networkID string) ([]*Paymaster, error) {
	st, err := a.State()
	if err != nil {
		return nil, err
	}
	var pms []*Paymaster
	for _, pm := range st.Paymasters {
		if pm.NetworkID == networkID {
			pms = append(pms, pm)
		}
	}
	sort.Slice(pms, func(i, j int) bool { return pms[i].ID < pms[j].ID })
	return pms, nil
}

// SetActiveAccount selects the network's active account. The account must
// belong to the network's chain.
func (a *Actor) SetActiveAccount(networkID, accountID string) error {
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		n, found := st.Networks[networkID]
		if !found {
			return nil, opkit.NewError(ErrUnknownNetwork, networkID)
		}
		acct, found := st.Accounts[accountID]
		if !found {
			return nil, opkit.NewError(ErrUnknownAccount, accountID)
		}
		if acct.ChainID != n.ChainID {
			return nil, opkit.NewError(ErrChainMismatch,
				fmt.Sprintf("account %s is on chain %d, network %s is chain %d", accountID, acct.ChainID, networkID, n.ChainID))
		}
		return Doc{"network": Doc{networkID: Doc{"activeAccountId": accountID}}}, nil
	})
}

// SwitchNetwork makes the network active. The switch is rejected, leaving
// the active network unchanged, if the target network's selected account
// does not belong to the target chain.
func (a *Actor) SwitchNetwork(networkID string) error {
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		n, found := st.Networks[networkID]
		if !found {
			return nil, opkit.NewError(ErrUnknownNetwork, networkID)
		}
		if n.ActiveAccount != "" {
			acct, found := st.Accounts[n.ActiveAccount]
			if !found {
				return nil, opkit.NewError(ErrUnknownAccount, n.ActiveAccount)
			}
			if acct.ChainID != n.ChainID {
				return nil, opkit.NewError(ErrChainMismatch,
					fmt.Sprintf("account %s is on chain %d, not %d", acct.ID, acct.ChainID, n.ChainID))
			}
		}
		return Doc{"networkActive": networkID}, nil
	})
}

// CreateRequest registers a live request in Building status. The referenced
// account and network must exist.
func (a *Actor) CreateRequest(req *Request) error {
	if req.ID == "" {
		return opkit.NewError(ErrBadRequest, "request needs an id")
	}
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		if _, found := st.Requests[req.ID]; found {
			return nil, opkit.NewError(ErrDuplicateID, "request "+req.ID)
		}
		if _, found := st.Accounts[req.AccountID]; !found {
			return nil, opkit.NewError(ErrUnknownAccount, req.AccountID)
		}
		if _, found := st.Networks[req.NetworkID]; !found {
			return nil, opkit.NewError(ErrUnknownNetwork, req.NetworkID)
		}
		req.Status = StatusBuilding
		req.CreatedAt = time.Now().Unix()
		entry, err := toDoc(req)
		if err != nil {
			return nil, err
		}
		return Doc{"request": Doc{req.ID: entry}}, nil
	})
}

// SetRequestStatus advances a live request's pipeline stage.
func (a *Actor) SetRequestStatus(id string, status RequestStatus) error {
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		if _, found := st.Requests[id]; !found {
			return nil, opkit.NewError(ErrUnknownRequest, id)
		}
		return Doc{"request": Doc{id: Doc{"status": string(status)}}}, nil
	})
}

// SetRequestUserOpHash records the submitted operation hash on a live
// request.
func (a *Actor) SetRequestUserOpHash(id, userOpHash string) error {
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		if _, found := st.Requests[id]; !found {
			return nil, opkit.NewError(ErrUnknownRequest, id)
		}
		return Doc{"request": Doc{id: Doc{"userOpHash": userOpHash}}}, nil
	})
}

// ResolveRequest retires a live request to its immutable terminal log. The
// request is deleted and the log written in one atomic mutation, so a
// request resolves exactly once.
func (a *Actor) ResolveRequest(id string, status LogStatus, txHash, errMsg string) error {
	return a.store.Update(func(doc Doc) (Doc, error) {
		st, err := decodeState(doc)
		if err != nil {
			return nil, err
		}
		req, found := st.Requests[id]
		if !found {
			return nil, opkit.NewError(ErrUnknownRequest, id)
		}
		entry, err := toDoc(&RequestLog{
			ID:        req.ID,
			Kind:      req.Kind,
			AccountID: req.AccountID,
			NetworkID: req.NetworkID,
			Status:    status,
			TxHash:    txHash,
			Error:     errMsg,
			Stamp:     time.Now().Unix(),
		})
		if err != nil {
			return nil, err
		}
		return Doc{
			"request":    Doc{id: nil},
			"requestLog": Doc{id: entry},
		}, nil
	})
}

// Network looks up a network by id.
func (a *Actor) Network(id string) (*Network, error) {
	st, err := a.State()
	if err != nil {
		return nil, err
	}
	n, found := st.Networks[id]
	if !found {
		return nil, opkit.NewError(ErrUnknownNetwork, id)
	}
	return n, nil
}

// Account looks up an account by id.
func (a *Actor) Account(id string) (*Account, error) {
	st, err := a.State()
	if err != nil {
		return nil, err
	}
	acct, found := st.Accounts[id]
	if !found {
		return nil, opkit.NewError(ErrUnknownAccount, id)
	}
	return acct, nil
}

// Request looks up a live request by id.
func (a *Actor) Request(id string) (*Request, error) {
	st, err := a.State()
	if err != nil {
		return nil, err
	}
	req, found := st.Requests[id]
	if !found {
		return nil, opkit.NewError(ErrUnknownRequest, id)
	}
	return req, nil
}

// ActiveNetwork returns the currently active network.
func (a *Actor) ActiveNetwork() (*Network, error) {
	st, err := a.State()
	if err != nil {
		return nil, err
	}
	if st.NetworkActive == "" {
		return nil, opkit.NewError(ErrUnknownNetwork, "no active network")
	}
	n, found := st.Networks[st.NetworkActive]
	if !found {
		return nil, opkit.NewError(ErrUnknownNetwork, st.NetworkActive)
	}
	return n, nil
}

// AccountLogs returns the account's terminal request logs, newest first.
func (a *Actor) AccountLogs(accountID string) ([]*RequestLog, error) {
	st, err := a.State()
	if err != nil {
		return nil, err
	}
	var logs []*RequestLog
	for _, entry := range st.RequestLogs {
		if entry.AccountID == accountID {
			logs = append(logs, entry)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Stamp > logs[j].Stamp })
	return logs, nil
}
