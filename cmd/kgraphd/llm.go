package main

import (
	"log"

	"github.com/kgraphd/kgraphd/internal/llmclient"
)

// mustDialLLM connects to the provider sidecar (§2 domain stack). A dial
// failure here is Fatal per §7 ("schema constraint rejected" sibling
// case: the daemon cannot serve its agent/embedding surface without it),
// matching cmd/tarsy/main.go's own fail-fast style for required
// dependencies at startup.
func mustDialLLM(addr string) *llmclient.Client {
	c, err := llmclient.Dial(addr)
	if err != nil {
		log.Fatalf("kgraphd: dial LLM sidecar at %s: %v", addr, err)
	}
	return c
}
