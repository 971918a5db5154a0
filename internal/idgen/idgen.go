// Package idgen generates the short, URL-safe record identifiers used across
// the service. Each record family has its own prefix so an id says what it
// names.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for each record family.
const (
	PrefixUpdate   = "upd-"
	PrefixProposal = "prop-"
	PrefixDocument = "doc-"
	PrefixContext  = "ctx-"
)

// Alphabet defines the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 12

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// mustGenerate panics only if the random source fails, which nanoid reports
// for a broken system entropy pool.
func mustGenerate(prefix string) string {
	id, err := GenerateWithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id
}

// Update returns a new update record id.
func Update() string { return mustGenerate(PrefixUpdate) }

// Proposal returns a new completion proposal id.
func Proposal() string { return mustGenerate(PrefixProposal) }

// Document returns a new document id.
func Document() string { return mustGenerate(PrefixDocument) }

// Context returns a new id naming one attached context (a hub instance).
func Context() string { return mustGenerate(PrefixContext) }
