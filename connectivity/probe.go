package connectivity

import (
	"context"
	"log"
	"net"
	"os"
	"time"
)

// Probe samples the device network and feeds the two raw signals to an Oracle.
// isConnected reflects whether any non-loopback interface is up;
// isInternetReachable whether a TCP dial to Address succeeds.
type Probe struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Logger   *log.Logger

	// Interfaces and Dial are replaced in tests.
	Interfaces func() ([]net.Interface, error)
	Dial       func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewProbe(address string, interval time.Duration, logger *log.Logger) *Probe {
	if logger == nil {
		logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}
	dialer := &net.Dialer{}
	return &Probe{
		Address:    address,
		Interval:   interval,
		Timeout:    3 * time.Second,
		Logger:     logger,
		Interfaces: net.Interfaces,
		Dial:       dialer.DialContext,
	}
}

// Sample takes one reading. A nil result means the signal could not be determined.
func (p *Probe) Sample(ctx context.Context) (isConnected, isInternetReachable *bool) {
	ifaces, err := p.Interfaces()
	if err != nil {
		p.Logger.Printf("failed to list interfaces: %v", err)
		return nil, nil
	}
	up := false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			up = true
			break
		}
	}
	if !up {
		return Bool(false), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	conn, err := p.Dial(dialCtx, "tcp", p.Address)
	if err != nil {
		if ctx.Err() != nil {
			return Bool(true), nil
		}
		return Bool(true), Bool(false)
	}
	conn.Close()
	return Bool(true), Bool(true)
}

// Run samples every Interval and updates the oracle until ctx is cancelled.
func (p *Probe) Run(ctx context.Context, oracle *Oracle) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		oracle.Update(p.Sample(ctx))
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
