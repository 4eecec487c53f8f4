package radio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/GoSounder/internal/sdr"
)

// HubTable owns the trigger hubs shared by the cells. Cells refer to a hub
// by its index.
type HubTable struct {
	serials []string
	hubs    []sdr.Device
}

// OpenHubs opens one hub per serial through the remote driver.
func OpenHubs(ctx context.Context, opener sdr.Opener, serials []string, timeout time.Duration) (*HubTable, error) {
	t := &HubTable{}
	for _, s := range serials {
		dev, err := opener.Open(ctx, sdr.Args{Driver: "remote", Serial: s, Timeout: timeout})
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("open hub %s: %w", s, err)
		}
		t.serials = append(t.serials, s)
		t.hubs = append(t.hubs, dev)
	}
	return t, nil
}

func (t *HubTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.hubs)
}

// Get returns hub i.
func (t *HubTable) Get(i int) (sdr.Device, error) {
	if i < 0 || i >= t.Len() {
		return nil, fmt.Errorf("hub index %d out of range (%d hubs)", i, t.Len())
	}
	return t.hubs[i], nil
}

func (t *HubTable) Close() error {
	if t == nil {
		return nil
	}
	var errs []error
	for i, h := range t.hubs {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close hub %s: %w", t.serials[i], err))
		}
	}
	t.hubs, t.serials = nil, nil
	return errors.Join(errs...)
}
