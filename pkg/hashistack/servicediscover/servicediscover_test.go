package servicediscover

import (
	"testing"

	"codemint-controlplane/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestRegistration(t *testing.T) {
	cfg := &config.Config{AppName: "codemint-api", AppEnv: "staging", AppVersion: "1.2.0", NodeID: 3}
	cfg.Server.Addr = "8080"
	cfg.Consul.ServiceHost = "10.0.0.5"

	reg, err := Registration(cfg)
	require.NoError(t, err)
	require.Equal(t, "codemint-api-3", reg.ID)
	require.Equal(t, 8080, reg.Port)
	require.Equal(t, "http://10.0.0.5:8080/readyz", reg.Check.HTTP)

	cfg.Server.Addr = ":9090"
	reg, err = Registration(cfg)
	require.NoError(t, err)
	require.Equal(t, 9090, reg.Port)

	cfg.Server.Addr = "http"
	_, err = Registration(cfg)
	require.Error(t, err)
}
