// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"crossdex.org/crossdex/gw"
)

func TestLoadNetworks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.conf")
	err := os.WriteFile(path, []byte(`
[ethereum]
family = evm
net = mainnet
chainid = 1
endpoints = wss://a.example.com, https://b.example.com
feeoracle = https://oracle.example.com/gas
keystorepass = hunter2

[base]
family = evm
net = mainnet
chainid = 8453
endpoints = https://c.example.com
`), 0600)
	if err != nil {
		t.Fatalf("error writing networks file: %v", err)
	}

	defs, err := loadNetworks(path)
	if err != nil {
		t.Fatalf("loadNetworks error: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("%d networks, want 2", len(defs))
	}

	eth := defs["ethereum"]
	if eth == nil {
		t.Fatal("no ethereum definition")
	}
	if eth.Family != "evm" || eth.Net != gw.Mainnet || eth.ChainID != 1 {
		t.Fatalf("bad definition: %+v", eth)
	}
	if len(eth.Endpoints) != 2 || eth.Endpoints[1] != "https://b.example.com" {
		t.Fatalf("bad endpoints: %v", eth.Endpoints)
	}
	if eth.FeeOracleURL != "https://oracle.example.com/gas" {
		t.Fatalf("bad oracle URL %q", eth.FeeOracleURL)
	}
	// Unrecognized keys pass through to the family as settings.
	if eth.Settings["keystorepass"] != "hunter2" {
		t.Fatalf("settings passthrough lost: %v", eth.Settings)
	}

	if defs["base"].ChainID != 8453 {
		t.Fatalf("bad base chain ID %d", defs["base"].ChainID)
	}
}

func TestLoadNetworksErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0600); err != nil {
			t.Fatalf("error writing %s: %v", name, err)
		}
		return path
	}

	if _, err := loadNetworks(write("nofamily.conf", "[x]\nendpoints = https://a\n")); err == nil {
		t.Fatal("no error for missing family")
	}
	if _, err := loadNetworks(write("noendpoints.conf", "[x]\nfamily = evm\n")); err == nil {
		t.Fatal("no error for missing endpoints")
	}
	if _, err := loadNetworks(write("badnet.conf", "[x]\nfamily = evm\nnet = moonnet\nendpoints = https://a\n")); err == nil {
		t.Fatal("no error for unknown net")
	}
	if _, err := loadNetworks(write("empty.conf", "")); err == nil {
		t.Fatal("no error for empty networks file")
	}
}
