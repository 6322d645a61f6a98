// Package discovery advertises the relay's UDP endpoint on the local network
// over mDNS so LAN clients can find it without configuration.
package discovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_aero-fanout._udp"
	Domain      = "local."
)

// Advertiser publishes one service instance until closed.
type Advertiser struct {
	client  *zeroconf.Client
	service *zeroconf.Service
}

// NewService describes the relay instance without publishing it.
func NewService(instance string, port int) (*zeroconf.Service, error) {
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return nil, errors.New("discovery: instance name is required")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: port %d out of range", port)
	}
	return zeroconf.NewService(zeroconf.NewType(ServiceType), instance, uint16(port)), nil
}

// Advertise publishes instance on port. The relay keeps working if this
// fails; callers log the error.
func Advertise(instance string, port int) (*Advertiser, error) {
	svc, err := NewService(instance, port)
	if err != nil {
		return nil, err
	}
	client, err := zeroconf.New().Publish(svc).Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Advertiser{client: client, service: svc}, nil
}

// Service is the published record, or nil for a nil Advertiser.
func (a *Advertiser) Service() *zeroconf.Service {
	if a == nil {
		return nil
	}
	return a.service
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}
