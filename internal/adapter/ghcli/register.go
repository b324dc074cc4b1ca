package ghcli

import (
	"strconv"

	"github.com/agentdock/agentdock/internal/port/gitprovider"
)

func init() {
	gitprovider.Register(providerName, func(opts map[string]string) (gitprovider.Provider, error) {
		limit := 0
		if v, ok := opts["max_concurrent"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, err
			}
			limit = n
		}
		return NewProvider(limit), nil
	})
}
