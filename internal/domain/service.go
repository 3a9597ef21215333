package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ServiceEndpoint is a registered, discoverable service instance
type ServiceEndpoint struct {
	ServiceName      string    `json:"service_name"`
	Host             string    `json:"host"`
	Port             int       `json:"port"`
	Protocol         string    `json:"protocol"`
	HealthCheckPath  string    `json:"health_check_path"`
	Region           string    `json:"region,omitempty"`
	AvailabilityZone string    `json:"availability_zone,omitempty"`
	RegisteredAt     time.Time `json:"registered_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Address returns host:port
func (e ServiceEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL returns protocol://host:port
func (e ServiceEndpoint) BaseURL() string {
	proto := e.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s", proto, e.Address())
}

// HealthURL returns the full URL probed by the health checker
func (e ServiceEndpoint) HealthURL() string {
	path := e.HealthCheckPath
	if path == "" {
		path = "/health"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.BaseURL() + path
}
