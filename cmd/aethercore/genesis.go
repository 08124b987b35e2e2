package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	core "github.com/aethercore/execution-core/core"
)

// genesisFile is the on-disk shape of the genesis accounts fed into
// core.LedgerConfig.GenesisAccounts.
type genesisFile struct {
	Accounts []genesisAccount `json:"accounts"`
}

type genesisAccount struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func loadGenesis(path string) ([]core.Account, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}
	var gf genesisFile
	if err := json.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("decode genesis file: %w", err)
	}
	accounts := make([]core.Account, 0, len(gf.Accounts))
	for _, ga := range gf.Accounts {
		raw, err := hex.DecodeString(ga.Address)
		if err != nil || len(raw) != 20 {
			return nil, fmt.Errorf("genesis account %q: invalid address", ga.Address)
		}
		var addr core.Address
		copy(addr[:], raw)
		accounts = append(accounts, core.Account{
			Address: addr,
			Balance: core.U128FromUint64(ga.Balance),
			Nonce:   ga.Nonce,
		})
	}
	return accounts, nil
}
