package journal

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"git.unix.lgbt/diamondburned/castwatch/castwatch"
	"github.com/go-resty/resty/v2"
)

// HubTimeout is the timeout of a single notification.
var HubTimeout = 2 * time.Second

// HubMaxInFlight caps the notifications being posted at once. Events written
// past the cap are dropped.
var HubMaxInFlight = 16

// HubPath is the path segment under the hub's base that events are posted to.
// Existing hubs only serve this path.
const HubPath = "centowatch"

// HubPayload is the JSON body posted for every event.
type HubPayload struct {
	Event string          `json:"event"`
	Data  castwatch.Event `json:"data"`
}

// HubWriter is a journaler that posts every event to the notification hub. It
// is best-effort: Write never blocks on the network and never fails, and
// posting errors are swallowed.
type HubWriter struct {
	client *resty.Client
	target atomic.Pointer[string]

	wg  sync.WaitGroup
	sem chan struct{}

	// closeMu guards closed and orders wg.Add before the final wg.Wait.
	closeMu sync.RWMutex
	closed  bool
}

var _ castwatch.Journaler = (*HubWriter)(nil)

// HubURL returns the endpoint that events are posted to.
func HubURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/" + HubPath + "/" + url.PathEscape(token)
}

// NewHubWriter creates a new HubWriter posting to the hub at base.
func NewHubWriter(base, token string) *HubWriter {
	h := &HubWriter{
		client: resty.New().
			SetTimeout(HubTimeout).
			SetHeader("Content-Type", "application/json"),
		sem: make(chan struct{}, HubMaxInFlight),
	}
	h.SetTarget(base, token)
	return h
}

// SetTarget changes the hub that subsequent events are posted to.
func (h *HubWriter) SetTarget(base, token string) {
	target := HubURL(base, token)
	h.target.Store(&target)
}

// Target returns the endpoint that events are currently posted to.
func (h *HubWriter) Target() string {
	return *h.target.Load()
}

// Write posts the event in the background. Events written after Close are
// dropped.
func (h *HubWriter) Write(ev castwatch.Event) error {
	h.closeMu.RLock()
	defer h.closeMu.RUnlock()

	if h.closed {
		return nil
	}

	select {
	case h.sem <- struct{}{}:
	default:
		return nil
	}

	target := h.Target()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() { <-h.sem }()

		h.client.R().
			SetBody(HubPayload{Event: ev.Type(), Data: ev}).
			Post(target)
	}()

	return nil
}

// Wait waits for every notification in flight to be done.
func (h *HubWriter) Wait() {
	h.wg.Wait()
}

// Close stops accepting events and waits for the ones in flight.
func (h *HubWriter) Close() {
	h.closeMu.Lock()
	h.closed = true
	h.closeMu.Unlock()

	h.wg.Wait()
}
