// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package account

import (
	"context"
	"fmt"

	"opkit.org/opkit"
)

// FactoryDump is the persistable form of a Factory. The createAccount call
// data captures the factory inputs, so the getAddress query data can be
// rebuilt from it given the account type.
type FactoryDump struct {
	Address    opkit.Address `json:"address"`
	CreateData opkit.Bytes   `json:"createData"`
}

// Dump is the minimal persistable form of an Account. Key material is never
// part of a dump; the Owner is re-injected on restore.
type Dump struct {
	Type       string        `json:"type"`
	Address    opkit.Address `json:"address"`
	EntryPoint opkit.Address `json:"entryPoint"`
	Factory    *FactoryDump  `json:"factory,omitempty"`
}

// Deps are the runtime collaborators re-injected when restoring a dumped
// account.
type Deps struct {
	Node   NodeReader
	Owner  Owner
	Logger opkit.Logger
}

// WrapAccount restores an Account from its dumped form.
func WrapAccount(dump *Dump, deps *Deps) (Account, error) {
	if dump.Address.IsZero() {
		return nil, fmt.Errorf("dumped account has no address")
	}
	var getAddrSelector []byte
	switch dump.Type {
	case TypeSimple:
		getAddrSelector = simpleGetAddrSelector
	case TypePasskey:
		getAddrSelector = passkeyGetAddrSelector
	default:
		return nil, fmt.Errorf("unknown account type %q", dump.Type)
	}

	var factory *Factory
	if fd := dump.Factory; fd != nil {
		if len(fd.CreateData) < selectorLen {
			return nil, fmt.Errorf("factory create data too short: %d bytes", len(fd.CreateData))
		}
		factory = &Factory{
			addr:       fd.Address.Address,
			node:       deps.Node,
			createData: append([]byte{}, fd.CreateData...),
			queryData:  append(append([]byte{}, getAddrSelector...), fd.CreateData[selectorLen:]...),
		}
	}

	cfg := &Config{
		Address:    dump.Address,
		EntryPoint: dump.EntryPoint.Address,
		Factory:    factory,
		Node:       deps.Node,
		Owner:      deps.Owner,
		Logger:     deps.Logger,
	}
	base, err := newBaseAccount(context.Background(), dump.Type, cfg)
	if err != nil {
		return nil, err
	}
	switch dump.Type {
	case TypePasskey:
		return &PasskeyAccount{baseAccount: base}, nil
	default:
		return &SimpleAccount{baseAccount: base}, nil
	}
}
