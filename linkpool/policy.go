package linkpool

import "github.com/risa-org/linkpool/transport"

// Policy picks which data adapter an increase or decrease acts on.
// Both receive the data adapters in registration order.
type Policy interface {
	SelectIncrease(adapters []*transport.Adapter) (*transport.Adapter, bool)
	SelectDecrease(adapters []*transport.Adapter) (*transport.Adapter, bool)
}

// DefaultPolicy increases with the first disconnected adapter and decreases
// the most recently connected one. It never decreases the last connected
// adapter.
type DefaultPolicy struct{}

func (DefaultPolicy) SelectIncrease(adapters []*transport.Adapter) (*transport.Adapter, bool) {
	for _, a := range adapters {
		if a.State() == transport.StateDisconnected {
			return a, true
		}
	}
	return nil, false
}

func (DefaultPolicy) SelectDecrease(adapters []*transport.Adapter) (*transport.Adapter, bool) {
	var newest *transport.Adapter
	connected := 0
	for _, a := range adapters {
		if !a.IsConnected() {
			continue
		}
		connected++
		if newest == nil || a.ConnectedAt().After(newest.ConnectedAt()) {
			newest = a
		}
	}
	if connected < 2 {
		return nil, false
	}
	return newest, true
}
