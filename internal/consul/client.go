package consul

import (
	"fmt"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Client wraps the Consul API client
type Client struct {
	apiClient *api.Client
	enabled   bool
	logger    *zap.Logger
}

// NewClient creates a new Consul client
func NewClient(address string, enabled bool, logger *zap.Logger) (*Client, error) {
	if !enabled {
		return &Client{enabled: false, logger: logger}, nil
	}

	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}

	apiClient, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	// Test connection
	_, _, err = apiClient.Health().State(api.HealthAny, nil)
	if err != nil {
		logger.Warn("Consul connection test failed, service registration disabled", zap.Error(err))
		return &Client{enabled: false, logger: logger}, nil
	}

	logger.Info("Consul client initialized", zap.String("address", address))
	return &Client{
		apiClient: apiClient,
		enabled:   true,
		logger:    logger,
	}, nil
}

// IsEnabled returns whether Consul is enabled
func (c *Client) IsEnabled() bool {
	return c.enabled && c.apiClient != nil
}

// GetAPIClient returns the underlying Consul API client
func (c *Client) GetAPIClient() *api.Client {
	return c.apiClient
}

// RegisterService registers a service with Consul
func (c *Client) RegisterService(registration *api.AgentServiceRegistration) error {
	if !c.IsEnabled() {
		return fmt.Errorf("Consul is not enabled")
	}

	agent := c.apiClient.Agent()
	if err := agent.ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	c.logger.Info("Service registered with Consul",
		zap.String("service_id", registration.ID),
		zap.String("service_name", registration.Name),
	)

	return nil
}

// DeregisterService deregisters a service from Consul
func (c *Client) DeregisterService(serviceID string) error {
	if !c.IsEnabled() {
		return nil
	}

	agent := c.apiClient.Agent()
	if err := agent.ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}

	c.logger.Info("Service deregistered from Consul",
		zap.String("service_id", serviceID),
	)

	return nil
}

// GetHealthyServices returns healthy service instances
func (c *Client) GetHealthyServices(serviceName string, passingOnly bool) ([]*api.ServiceEntry, error) {
	if !c.IsEnabled() {
		return nil, fmt.Errorf("Consul is not enabled")
	}

	health := c.apiClient.Health()
	entries, _, err := health.Service(serviceName, "", passingOnly, &api.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get healthy services: %w", err)
	}

	return entries, nil
}
