package servicediscover

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"codemint-controlplane/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module registers the HTTP API with Consul when CONSUL.ADDR is set.
var Module = fx.Module("servicediscover", fx.Invoke(registerConsul))

func registerConsul(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Consul.Addr == "" {
		return nil
	}

	registry, err := NewConsulRegistry(cfg)
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.Register(ctx); err != nil {
				zap.L().Error("failed to register service with consul", zap.Error(err))
				return err
			}
			zap.L().Info("registered with consul", zap.String("service_id", registry.serviceID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return registry.Deregister(ctx)
		},
	})
	return nil
}

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

// Registration describes the API instance as Consul sees it. The health
// check points at the readiness probe.
func Registration(cfg *config.Config) (*api.AgentServiceRegistration, error) {
	host := cfg.Consul.ServiceHost
	if host == "" {
		host = "127.0.0.1"
	}

	addr := cfg.Server.Addr
	if _, p, err := net.SplitHostPort(addr); err == nil {
		addr = p
	}
	port, err := strconv.Atoi(addr)
	if err != nil {
		return nil, fmt.Errorf("servicediscover: invalid http port %q: %w", cfg.Server.Addr, err)
	}

	return &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%d", cfg.AppName, cfg.NodeID),
		Name:    cfg.AppName,
		Address: host,
		Port:    port,
		Tags:    []string{cfg.AppEnv, cfg.AppVersion},
		Check: &api.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d/readyz", host, port),
			Interval: "10s",
			Timeout:  "5s",
		},
	}, nil
}

func NewConsulRegistry(cfg *config.Config) (*ConsulRegistry, error) {
	service, err := Registration(cfg)
	if err != nil {
		return nil, err
	}

	conf := api.DefaultConfig()
	conf.Address = cfg.Consul.Addr
	client, err := api.NewClient(conf)
	if err != nil {
		return nil, err
	}

	return &ConsulRegistry{
		client:    client,
		serviceID: service.ID,
		service:   service,
	}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.client.Agent().ServiceRegister(r.service)
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.client.Agent().ServiceDeregister(r.serviceID)
}
