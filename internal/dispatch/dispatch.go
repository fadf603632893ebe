// Package dispatch implements the Dispatcher: given a verified webhook
// payload, look up the workspace's authorized edges and fan the envelope
// out to each one, concurrently, via whichever delivery mode applies.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/devplane/relay/internal/metrics"
	"github.com/devplane/relay/internal/model"
)

// RoutingTable is the subset of routing.Table the Dispatcher needs.
type RoutingTable interface {
	EdgesFor(ctx context.Context, workspaceID string) ([]string, error)
}

// StreamSender delivers an envelope to a connected edge by fingerprint. It
// returns false if the edge has no live connection to write to.
type StreamSender interface {
	Send(fingerprint string, env model.Envelope) bool
}

// PushRegistry resolves the push-mode edges registered for a workspace.
type PushRegistry interface {
	EdgesFor(ctx context.Context, workspaceID string) ([]model.RegisteredEdge, error)
}

// PushSender delivers an envelope to a registered edge via signed HTTP POST.
// Implementations own their own retry/backoff. Dispatcher does not observe
// the outcome: it runs one Send per edge concurrently and waits for all of
// them to return.
type PushSender interface {
	Send(ctx context.Context, edge model.RegisteredEdge, env model.Envelope)
}

// Dispatcher wraps a webhook payload in an Envelope and delivers it to
// every edge authorized for the payload's workspace, across both delivery
// modes. Order between edges is not guaranteed. One Dispatch call has queued
// its envelope to every stream edge before it returns, but the WebhookIngress
// handler runs each Dispatch in its own goroutine, so envelopes from two
// webhooks received close together can reach the same edge in either order.
type Dispatcher struct {
	routing      RoutingTable
	streamSender StreamSender
	pushRegistry PushRegistry
	pushSender   PushSender
	log          logr.Logger
}

// New returns a Dispatcher. pushRegistry/pushSender may be nil if push mode
// is not enabled for this deployment.
func New(routing RoutingTable, streamSender StreamSender, pushRegistry PushRegistry, pushSender PushSender, log logr.Logger) *Dispatcher {
	return &Dispatcher{
		routing:      routing,
		streamSender: streamSender,
		pushRegistry: pushRegistry,
		pushSender:   pushSender,
		log:          log,
	}
}

// Dispatch extracts the workspace id from payload (the upstream's
// "organizationId" field), looks up its edges, and delivers concurrently.
// A missing workspace id is logged and dropped, per spec.
func (d *Dispatcher) Dispatch(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var parsed struct {
		OrganizationID string `json:"organizationId"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		d.log.Error(err, "Dispatch: parse payload failed")
		return
	}
	if parsed.OrganizationID == "" {
		d.log.Info("Dispatch: payload missing organizationId, dropping")
		return
	}

	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		d.log.Error(err, "Dispatch: re-parse payload for envelope failed")
		return
	}
	env := model.NewEnvelope(model.EnvelopeWebhook, data)

	delivered := d.deliverStream(ctx, parsed.OrganizationID, env)
	delivered += d.deliverPush(ctx, parsed.OrganizationID, env)

	d.log.Info("Dispatched webhook", "workspace", parsed.OrganizationID, "delivered", delivered)
}

func (d *Dispatcher) deliverStream(ctx context.Context, workspaceID string, env model.Envelope) int {
	fingerprints, err := d.routing.EdgesFor(ctx, workspaceID)
	if err != nil {
		d.log.Error(err, "Dispatch: look up stream edges failed", "workspace", workspaceID)
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0
	for _, fp := range fingerprints {
		wg.Add(1)
		go func(fingerprint string) {
			defer wg.Done()
			if d.streamSender.Send(fingerprint, env) {
				metrics.EnvelopesDispatched.WithLabelValues("stream").Inc()
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(fp)
	}
	wg.Wait()
	return delivered
}

func (d *Dispatcher) deliverPush(ctx context.Context, workspaceID string, env model.Envelope) int {
	if d.pushRegistry == nil || d.pushSender == nil {
		return 0
	}
	edges, err := d.pushRegistry.EdgesFor(ctx, workspaceID)
	if err != nil {
		d.log.Error(err, "Dispatch: look up push edges failed", "workspace", workspaceID)
		return 0
	}

	var wg sync.WaitGroup
	for _, edge := range edges {
		wg.Add(1)
		go func(e model.RegisteredEdge) {
			defer wg.Done()
			d.pushSender.Send(ctx, e, env)
		}(edge)
	}
	wg.Wait()
	return len(edges)
}
