package api

import (
	"fmt"
	"sync"

	"github.com/enbility/zeroconf/v3"
	"github.com/sirupsen/logrus"
)

// mDNS service identity
const (
	MDNSServiceType = "_smartclock._tcp"
	MDNSDomain      = "local."
)

// Advertiser announces the API on the local network
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
	logger *logrus.Entry
}

// NewAdvertiser creates an idle advertiser
func NewAdvertiser(logger *logrus.Entry) *Advertiser {
	return &Advertiser{logger: logger}
}

// Advertise registers instance on port, replacing any earlier registration
func (a *Advertiser) Advertise(instance string, port int, txt []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(instance, MDNSServiceType, MDNSDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a.server = server

	a.logger.WithFields(logrus.Fields{
		"instance": instance,
		"service":  MDNSServiceType,
		"port":     port,
	}).Info("Advertising API over mDNS")
	return nil
}

// Shutdown withdraws the registration
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
