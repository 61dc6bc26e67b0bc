package discovery

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Registrar announces this instance to Consul so the gateway can route to it.
type Registrar struct {
	client    *consulapi.Client
	serviceID string
	logger    *zap.SugaredLogger
}

func NewRegistrar(addr string, logger *zap.SugaredLogger) (*Registrar, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = addr
	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, err
	}
	return &Registrar{client: client, logger: logger}, nil
}

// Registration builds the agent payload with an HTTP health check on /healthz.
func Registration(name, instanceID, host string, port int) *consulapi.AgentServiceRegistration {
	return &consulapi.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%s", name, instanceID),
		Name:    name,
		Address: host,
		Port:    port,
		Tags:    []string{"http", "ws"},
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/healthz", host, port),
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
}

func (r *Registrar) Register(reg *consulapi.AgentServiceRegistration) error {
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return err
	}
	r.serviceID = reg.ID
	r.logger.Infof("registered %s in consul", reg.ID)
	return nil
}

func (r *Registrar) Deregister() error {
	if r.serviceID == "" {
		return nil
	}
	if err := r.client.Agent().ServiceDeregister(r.serviceID); err != nil {
		return err
	}
	r.logger.Infof("deregistered %s from consul", r.serviceID)
	return nil
}
