package dispatch

import (
	"context"
	"encoding/json"
	"log"

	"github.com/kiosktv/backend/internal/bridge"
	"github.com/kiosktv/backend/internal/player"
	"github.com/kiosktv/backend/internal/wm"
)

// Dispatcher routes commands to the current player session and window
// manager connection, and feeds both event streams into the broadcaster.
type Dispatcher struct {
	sup *player.Supervisor
	wm  *wm.Bridge
	bc  *Broadcaster
}

func NewDispatcher(sup *player.Supervisor, wmBridge *wm.Bridge, bc *Broadcaster) *Dispatcher {
	return &Dispatcher{sup: sup, wm: wmBridge, bc: bc}
}

func (d *Dispatcher) Broadcaster() *Broadcaster {
	return d.bc
}

func (d *Dispatcher) PlayerState() player.State {
	return d.sup.State()
}

// Snapshot returns the last-known player properties; ok is false before the
// first connection ever succeeded.
func (d *Dispatcher) Snapshot() (player.Snapshot, bool) {
	return d.sup.Snapshot()
}

// Session is the fast-fail path: no connected session means the command is
// refused immediately, it is never queued against a hoped-for reconnect.
func (d *Dispatcher) Session() (*player.Session, error) {
	sess, ok := d.sup.Session()
	if !ok {
		return nil, bridge.Wrap(bridge.ErrUnavailable, "player session not connected", nil)
	}
	return sess, nil
}

// SessionWait is the opt-in bounded wait: it blocks until a session connects
// or ctx expires. Callers bound the wait through ctx.
func (d *Dispatcher) SessionWait(ctx context.Context) (*player.Session, error) {
	return d.sup.WaitConnected(ctx)
}

// InjectKeys forwards a keystroke sequence to the window manager.
func (d *Dispatcher) InjectKeys(ctx context.Context, keys []string) error {
	return d.wm.InjectKeys(ctx, keys)
}

// Launch asks the window manager to start the kiosk application with arg and
// returns its fresh working directory.
func (d *Dispatcher) Launch(ctx context.Context, arg string) (string, error) {
	return d.wm.Launch(ctx, arg)
}

// Healthy is the liveness probe: a connected session that answers a trivial
// property read within ctx. Anything less is unhealthy.
func (d *Dispatcher) Healthy(ctx context.Context) error {
	sess, err := d.Session()
	if err != nil {
		return err
	}
	_, err = sess.IsPaused(ctx)
	return err
}

// Run pumps player events, window manager events, and session state
// transitions into the broadcaster until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.pumpStateChanges(ctx)
	go d.pumpWM(ctx)

	for {
		select {
		case ev, ok := <-d.sup.Events():
			if !ok {
				return
			}
			d.bc.Publish(SourcePlayer, ev.Name, ev.Raw)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) pumpStateChanges(ctx context.Context) {
	prev := d.sup.State()
	for {
		state, err := d.sup.WaitStateChange(ctx, prev)
		if err != nil {
			return
		}
		prev = state

		payload, err := json.Marshal(struct {
			State player.State `json:"state"`
		}{State: state})
		if err != nil {
			log.Printf("dispatch: encoding state transition: %v", err)
			continue
		}
		d.bc.Publish(SourceService, "player-state", payload)
	}
}

func (d *Dispatcher) pumpWM(ctx context.Context) {
	for {
		select {
		case ev, ok := <-d.wm.Events():
			if !ok {
				return
			}
			// Event payloads are JSON by convention; anything else is
			// forwarded base64-encoded rather than corrupting the record.
			var body any = ev.Payload
			if json.Valid(ev.Payload) {
				body = json.RawMessage(ev.Payload)
			}
			payload, err := json.Marshal(struct {
				Type    uint32 `json:"type"`
				Payload any    `json:"payload,omitempty"`
			}{Type: ev.Type, Payload: body})
			if err != nil {
				log.Printf("dispatch: encoding wm event: %v", err)
				continue
			}
			d.bc.Publish(SourceWM, "wm-event", payload)
		case <-ctx.Done():
			return
		}
	}
}
