package dreamcatcher

import "github.com/daemonp/dreamcatcher2mqtt/internal/types"

// deviceList accumulates peripheral devices across pages. A device that
// appears again replaces its earlier entry in place.
type deviceList struct {
	items []types.Device
	index map[string]int
}

func newDeviceList(initial []types.Device) *deviceList {
	l := &deviceList{index: make(map[string]int)}
	l.merge(initial)
	return l
}

func (l *deviceList) clear() {
	l.items = nil
	l.index = make(map[string]int)
}

func (l *deviceList) merge(devices []types.Device) {
	for _, d := range devices {
		if i, ok := l.index[d.DeviceID]; ok {
			l.items[i] = d
			continue
		}
		l.index[d.DeviceID] = len(l.items)
		l.items = append(l.items, d)
	}
}

// apply processes one page: the clear flag empties the list first.
func (l *deviceList) apply(b *body) {
	if b.ClearFlag.Bool() {
		l.clear()
	}
	l.merge(b.Devices)
}

func (l *deviceList) snapshot() []types.Device {
	out := make([]types.Device, len(l.items))
	copy(out, l.items)
	return out
}
