package main

// Provider blank imports — each import activates a self-registering Git
// hosting adapter. Add new providers here as they are implemented.

import (
	_ "github.com/agentdock/agentdock/internal/adapter/ghcli"
)
