// Package secrets implements the cache-through secret client of
// spec.md §4.C.
//
// Grounded on original_source/python_sdk's
// security/secret_client.py (pending-request map, cache, rotation
// subscriber list, auto-ack on rotation) restated with a sync.Mutex in
// place of asyncio locks, and on redb-open's pkg/keyring mutex-guarded
// map idiom for the cache itself.
package secrets

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/redb-module-sdk/pkg/handshake"
	"github.com/redbco/redb-module-sdk/pkg/modlog"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// Mode selects where Get is allowed to look for a value.
type Mode int

const (
	// CacheThenRemote returns a cached value if present, otherwise
	// fetches remotely and populates the cache. This is the default.
	CacheThenRemote Mode = iota
	// ForceRemote always fetches remotely, overwriting any cached value.
	ForceRemote
	// CacheOnly never fetches remotely; fails if the name is absent.
	CacheOnly
)

// GetSecretDeadline bounds how long Get waits for a Secret push after
// emitting a GetSecret record (spec.md §4.C).
var GetSecretDeadline = 30 * time.Second

// Sender emits outbound IPC records. Satisfied by pkg/dispatcher's
// writer or directly by a pkg/channel.Channel wrapper.
type Sender interface {
	Send(ctx context.Context, rec *handshake.OutboundRecord) error
}

// RotationCallback is invoked with the rotation id and the list of
// keys evicted by that rotation. A returned error marks the rotation
// ack as an error carrying the message.
type RotationCallback func(rotationID string, keys []string) error

type entry struct {
	value      string
	rotationID string
	createdAt  time.Time
}

type pendingRequest struct {
	done chan struct{}
	err  error
}

// Client is the process-wide secret cache and rotation coordinator.
type Client struct {
	sender   Sender
	redactor *modlog.Redactor

	mu      sync.Mutex
	cache   map[string]entry
	pending map[string]*pendingRequest

	// cacheTTL, when positive, expires cached entries after this long;
	// zero means cached values never expire on their own (eviction is
	// then driven entirely by rotation pushes). Configurable via
	// modcfg's "secret.cache.ttl", restoring the original SDK's
	// SecretConfig.from_env cache-TTL tuning.
	cacheTTL time.Duration
	// getDeadline bounds how long Get waits for a Secret push;
	// configurable via modcfg's "secret.get.timeout".
	getDeadline time.Duration

	subMu sync.Mutex
	subs  map[string]RotationCallback
}

// New constructs a Client. redactor may be nil, in which case secret
// values are cached but never forwarded for log redaction.
func New(sender Sender, redactor *modlog.Redactor) *Client {
	return &Client{
		sender:      sender,
		redactor:    redactor,
		cache:       make(map[string]entry),
		pending:     make(map[string]*pendingRequest),
		subs:        make(map[string]RotationCallback),
		getDeadline: GetSecretDeadline,
	}
}

// SetCacheTTL configures how long cached values remain valid before a
// subsequent Get treats them as a miss and re-fetches. ttl <= 0
// disables expiry.
func (c *Client) SetCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	c.cacheTTL = ttl
	c.mu.Unlock()
}

// SetGetSecretDeadline overrides the default wait for a Secret push
// triggered by Get. d <= 0 is ignored.
func (c *Client) SetGetSecretDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.getDeadline = d
	c.mu.Unlock()
}

// Get resolves name per mode, using the cache and, when permitted, a
// round trip through the orchestrator.
func (c *Client) Get(ctx context.Context, name string, mode Mode) (string, error) {
	if mode != ForceRemote {
		c.mu.Lock()
		e, ok := c.cache[name]
		expired := ok && c.cacheTTL > 0 && time.Since(e.createdAt) > c.cacheTTL
		c.mu.Unlock()
		if ok && !expired {
			return e.value, nil
		}
		if mode == CacheOnly {
			return "", moderr.New(moderr.KindSecret, fmt.Sprintf("secret %q not cached", name))
		}
	}
	return c.fetchRemote(ctx, name)
}

// GetMany resolves every name in names, stopping at the first error.
func (c *Client) GetMany(ctx context.Context, names []string, mode Mode) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, err := c.Get(ctx, name, mode)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// fetchRemote guarantees a single in-flight GetSecret request per
// name: concurrent callers await the same completion.
func (c *Client) fetchRemote(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if pr, inFlight := c.pending[name]; inFlight {
		c.mu.Unlock()
		return c.awaitPending(ctx, name, pr)
	}

	pr := &pendingRequest{done: make(chan struct{})}
	c.pending[name] = pr
	c.mu.Unlock()

	if err := c.sender.Send(ctx, &handshake.OutboundRecord{
		Op:        "get_secret",
		GetSecret: &handshake.GetSecretPayload{Name: name},
	}); err != nil {
		c.mu.Lock()
		delete(c.pending, name)
		c.mu.Unlock()
		pr.err = err
		close(pr.done)
		return "", moderr.Wrap(moderr.KindSecret, "failed to send get_secret request", err)
	}

	return c.awaitPending(ctx, name, pr)
}

func (c *Client) awaitPending(ctx context.Context, name string, pr *pendingRequest) (string, error) {
	c.mu.Lock()
	deadline := c.getDeadline
	c.mu.Unlock()
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-pr.done:
		if pr.err != nil {
			return "", pr.err
		}
		c.mu.Lock()
		e, ok := c.cache[name]
		c.mu.Unlock()
		if !ok {
			return "", moderr.New(moderr.KindSecret, fmt.Sprintf("secret %q resolved but not cached", name))
		}
		return e.value, nil
	case <-timer.C:
		c.mu.Lock()
		if c.pending[name] == pr {
			delete(c.pending, name)
		}
		c.mu.Unlock()
		return "", moderr.New(moderr.KindSecret, fmt.Sprintf("timed out waiting for secret %q", name))
	case <-ctx.Done():
		return "", moderr.Wrap(moderr.KindSecret, "get secret cancelled", ctx.Err())
	}
}

// ProcessSecretMessage handles an inbound Secret(name, value,
// rotation_id?) push: stores the value, registers it for redaction,
// and resolves any pending completion for name.
func (c *Client) ProcessSecretMessage(name, value, rotationID string) {
	c.mu.Lock()
	c.cache[name] = entry{value: value, rotationID: rotationID, createdAt: time.Now()}
	pr, inFlight := c.pending[name]
	if inFlight {
		delete(c.pending, name)
	}
	c.mu.Unlock()

	if c.redactor != nil {
		c.redactor.Register(ownerID(name), value)
	}

	if inFlight {
		close(pr.done)
	}
}

// Subscribe registers callback to be invoked on every future rotation
// batch and returns an identifier that can be passed to Unsubscribe.
func (c *Client) Subscribe(callback RotationCallback) string {
	id := uuid.NewString()
	c.subMu.Lock()
	c.subs[id] = callback
	c.subMu.Unlock()
	return id
}

// Unsubscribe removes a previously registered rotation callback.
func (c *Client) Unsubscribe(id string) {
	c.subMu.Lock()
	delete(c.subs, id)
	c.subMu.Unlock()
}

// ProcessRotationMessage handles an inbound Rotated(keys, rotation_id)
// batch: evicts every listed key, forgets its redaction entry, invokes
// every subscriber concurrently, then automatically acknowledges the
// rotation — "success" if every callback returned nil, otherwise
// "error" carrying the first error's message.
func (c *Client) ProcessRotationMessage(ctx context.Context, keys []string, rotationID string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.cache, k)
	}
	c.mu.Unlock()

	if c.redactor != nil {
		for _, k := range keys {
			c.redactor.Forget(ownerID(k))
		}
	}

	c.subMu.Lock()
	callbacks := make([]RotationCallback, 0, len(c.subs))
	for _, cb := range c.subs {
		callbacks = append(callbacks, cb)
	}
	c.subMu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(callbacks))
	for i, cb := range callbacks {
		wg.Add(1)
		go func(i int, cb RotationCallback) {
			defer wg.Done()
			errs[i] = cb(rotationID, keys)
		}(i, cb)
	}
	wg.Wait()

	status := "success"
	message := ""
	for _, err := range errs {
		if err != nil {
			status = "error"
			message = err.Error()
			break
		}
	}

	return c.sender.Send(ctx, &handshake.OutboundRecord{
		Op: "rotation_ack",
		RotationAck: &handshake.RotationAckPayload{
			RotationID: rotationID,
			Status:     status,
			Message:    message,
		},
	})
}

func ownerID(name string) string { return "secret:" + name }

// GetString is Get coerced to string (a no-op coercion, kept for
// symmetry with the other typed getters).
func (c *Client) GetString(ctx context.Context, name string, mode Mode) (string, error) {
	return c.Get(ctx, name, mode)
}

// GetInt fetches name and parses it as an integer.
func (c *Client) GetInt(ctx context.Context, name string, mode Mode) (int, error) {
	v, err := c.Get(ctx, name, mode)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, moderr.Wrap(moderr.KindTypedSecret, fmt.Sprintf("secret %q is not an integer", name), err)
	}
	return n, nil
}

// GetFloat fetches name and parses it as a float64.
func (c *Client) GetFloat(ctx context.Context, name string, mode Mode) (float64, error) {
	v, err := c.Get(ctx, name, mode)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, moderr.Wrap(moderr.KindTypedSecret, fmt.Sprintf("secret %q is not a float", name), err)
	}
	return f, nil
}

// GetBool fetches name and parses it as a boolean.
func (c *Client) GetBool(ctx context.Context, name string, mode Mode) (bool, error) {
	v, err := c.Get(ctx, name, mode)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, moderr.Wrap(moderr.KindTypedSecret, fmt.Sprintf("secret %q is not a boolean", name), err)
	}
	return b, nil
}

// GetTyped fetches name and parses it into T, supporting the same set
// of scalar types as the dedicated getters.
func GetTyped[T string | int | float64 | bool](ctx context.Context, c *Client, name string, mode Mode) (T, error) {
	var zero T
	v, err := c.Get(ctx, name, mode)
	if err != nil {
		return zero, err
	}

	switch any(zero).(type) {
	case string:
		return any(v).(T), nil
	case int:
		n, err := strconv.Atoi(v)
		if err != nil {
			return zero, moderr.Wrap(moderr.KindTypedSecret, fmt.Sprintf("secret %q is not an integer", name), err)
		}
		return any(n).(T), nil
	case float64:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return zero, moderr.Wrap(moderr.KindTypedSecret, fmt.Sprintf("secret %q is not a float", name), err)
		}
		return any(f).(T), nil
	case bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return zero, moderr.Wrap(moderr.KindTypedSecret, fmt.Sprintf("secret %q is not a boolean", name), err)
		}
		return any(b).(T), nil
	default:
		return zero, moderr.New(moderr.KindTypedSecret, "unsupported typed secret type")
	}
}
