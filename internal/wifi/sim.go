package wifi

import (
	"errors"
	"sync"
)

// ErrRadioNotStarted is returned for requests made while the radio is down.
var ErrRadioNotStarted = errors.New("radio not started")

// SimConfig describes the access point a SimRadio pretends to see.
type SimConfig struct {
	SSID      string
	Password  string // empty accepts any password
	IP        string
	FailFirst int  // number of initial association attempts that fail
	Silent    bool // never answer connect requests
}

// SimRadio is an in-process radio driver. Events are queued and delivered in
// order from a single goroutine, like a hardware event loop.
type SimRadio struct {
	mu       sync.Mutex
	config   SimConfig
	handler  func(Event)
	station  StationConfig
	started  bool
	attempts int
	connects int

	queue []Event
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewSimRadio creates a simulated radio
func NewSimRadio(config SimConfig) *SimRadio {
	if config.IP == "" {
		config.IP = "192.168.4.2"
	}
	return &SimRadio{
		config: config,
		wake:   make(chan struct{}, 1),
	}
}

func (r *SimRadio) SetEventHandler(handler func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

func (r *SimRadio) Configure(cfg StationConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.station = cfg
	return nil
}

func (r *SimRadio) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.started = true
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.done)

	r.enqueueLocked(Event{Kind: EventStationStarted})
	return nil
}

func (r *SimRadio) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return ErrRadioNotStarted
	}
	r.connects++
	if r.config.Silent {
		return nil
	}

	r.attempts++
	switch {
	case r.station.SSIDString() != r.config.SSID:
		r.enqueueLocked(Event{Kind: EventDisconnected, Reason: "no_ap_found"})
	case r.config.Password != "" && r.station.PasswordString() != r.config.Password:
		r.enqueueLocked(Event{Kind: EventDisconnected, Reason: "auth_fail"})
	case r.attempts <= r.config.FailFirst:
		r.enqueueLocked(Event{Kind: EventDisconnected, Reason: "assoc_fail"})
	default:
		r.enqueueLocked(Event{Kind: EventGotAddress, IP: r.config.IP})
	}
	return nil
}

func (r *SimRadio) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return ErrRadioNotStarted
	}
	r.enqueueLocked(Event{Kind: EventDisconnected, Reason: "assoc_leave"})
	return nil
}

// Drop simulates the access point going away while associated.
func (r *SimRadio) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		r.enqueueLocked(Event{Kind: EventDisconnected, Reason: "beacon_timeout"})
	}
}

func (r *SimRadio) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.queue = nil
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Connects returns the number of connect requests received
func (r *SimRadio) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// SetConfig replaces the simulated access point
func (r *SimRadio) SetConfig(config SimConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if config.IP == "" {
		config.IP = r.config.IP
	}
	r.config = config
	r.attempts = 0
}

func (r *SimRadio) enqueueLocked(ev Event) {
	r.queue = append(r.queue, ev)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *SimRadio) loop(done chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-done:
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			if len(r.queue) == 0 || !r.started {
				r.mu.Unlock()
				break
			}
			ev := r.queue[0]
			r.queue = r.queue[1:]
			handler := r.handler
			r.mu.Unlock()

			if handler != nil {
				handler(ev)
			}
		}
	}
}
