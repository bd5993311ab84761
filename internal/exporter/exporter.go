// Package exporter subscribes to the container runtime's event stream
// and translates container lifecycle transitions into deployment
// status updates published back to the control plane.
//
// Grounded on original_source/exporter.py for the event→status table;
// that file polled container state on an interval, which this package
// replaces with a genuine event subscription, per the agent's runtime-
// as-source-of-truth design.
package exporter

import (
	"context"
	"sync"

	"github.com/golang-collections/collections/queue"
	"github.com/rs/zerolog"

	"github.com/splightplatform/splight-agent/internal/engine"
	"github.com/splightplatform/splight-agent/internal/model"
	"github.com/splightplatform/splight-agent/internal/restclient"
	"github.com/splightplatform/splight-agent/internal/runtime"
)

// Publisher is the minimal control-plane surface the exporter needs:
// push a status for an instance identified by kind and id. Defined
// here (rather than reusing model.Instance) because the exporter only
// ever has label strings, never a hydrated instance.
type Publisher interface {
	PublishStatus(ctx context.Context, kind model.Kind, id string, status model.DeploymentStatus) error
}

// restPublisher implements Publisher directly over restclient, since
// the update-status path differs only by kind.
type restPublisher struct {
	client *restclient.Client
}

// NewRESTPublisher builds the default control-plane-backed Publisher.
func NewRESTPublisher(client *restclient.Client) Publisher {
	return &restPublisher{client: client}
}

func (p *restPublisher) PublishStatus(ctx context.Context, kind model.Kind, id string, status model.DeploymentStatus) error {
	var path string
	switch kind {
	case model.KindServer:
		path = "engine/server/servers/" + id + "/update-status/"
	default:
		path = "engine/component/components/" + id + "/update-status/"
	}
	return p.client.Post(ctx, path, map[string]string{"deployment_status": string(status)}, nil)
}

// safeQueue wraps golang-collections/collections/queue.Queue with a
// mutex: the library's Queue is not safe for concurrent use, and the
// exporter has exactly one producer (the Docker event reader) and one
// consumer (the status publisher) running on separate goroutines.
type safeQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newSafeQueue() *safeQueue {
	return &safeQueue{q: queue.New()}
}

func (s *safeQueue) push(v runtime.RuntimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.Enqueue(v)
}

func (s *safeQueue) pop() (runtime.RuntimeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Len() == 0 {
		return runtime.RuntimeEvent{}, false
	}
	return s.q.Dequeue().(runtime.RuntimeEvent), true
}

// Exporter reads the runtime's event stream and publishes deployment
// status transitions. A Docker "stop" event is recorded as an
// expected stop so the "die" event that always follows it is
// suppressed instead of being reported as a failure.
type Exporter struct {
	runtime   runtime.Adapter
	publisher Publisher
	agentID   string
	queue     *safeQueue
	logger    zerolog.Logger

	mu            sync.Mutex
	expectedStops map[string]struct{}
}

// New builds an Exporter subscribed to events labelled for agentID.
func New(rt runtime.Adapter, publisher Publisher, agentID string, logger zerolog.Logger) *Exporter {
	return &Exporter{
		runtime:       rt,
		publisher:     publisher,
		agentID:       agentID,
		queue:         newSafeQueue(),
		expectedStops: make(map[string]struct{}),
		logger:        logger.With().Str("component", "exporter").Logger(),
	}
}

// Run subscribes to the event stream and processes events until ctx
// is cancelled or the stream ends. One goroutine reads the runtime's
// event channel and buffers onto the internal queue; this goroutine
// drains that queue, so a slow control-plane publish never blocks the
// event read.
func (e *Exporter) Run(ctx context.Context) {
	events, errs := e.runtime.Events(ctx, runtime.EventFilters{
		Actions: []string{"create", "start", "stop", "die"},
		Labels:  map[string]string{engine.LabelAgentID: e.agentID},
	})

	notify := make(chan struct{}, 1)
	signal := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			e.queue.push(ev)
			signal()
		}
	}()

	for {
		for {
			ev, ok := e.queue.pop()
			if !ok {
				break
			}
			e.process(ctx, ev)
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case err, ok := <-errs:
			if !ok {
				// The stream has ended: publish what the reader buffered
				// before it stopped, then return.
				wg.Wait()
				for ev, ok := e.queue.pop(); ok; ev, ok = e.queue.pop() {
					e.process(ctx, ev)
				}
				return
			}
			if err != nil {
				e.logger.Error().Err(err).Msg("event stream error")
			}
		case <-notify:
		}
	}
}

// process translates a single runtime event into a status publication,
// dropping malformed events (missing instance identity) and
// suppressing the "die" that always follows an agent-initiated "stop".
func (e *Exporter) process(ctx context.Context, ev runtime.RuntimeEvent) {
	kind, id, ok := instanceIdentity(ev.Labels)
	if !ok {
		e.logger.Debug().Str("action", ev.Action).Msg("dropping event with no instance identity")
		return
	}

	var status model.DeploymentStatus
	switch ev.Action {
	case "create":
		status = model.StatusPending
	case "start":
		status = model.StatusRunning
	case "stop":
		e.markExpectedStop(id)
		status = model.StatusStopped
	case "die":
		if e.consumeExpectedStop(id) {
			return
		}
		if ev.ExitCode == "0" {
			status = model.StatusSucceeded
		} else {
			status = model.StatusFailed
		}
	default:
		e.logger.Debug().Str("action", ev.Action).Msg("dropping event with unrecognized action")
		return
	}

	if err := e.publisher.PublishStatus(ctx, kind, id, status); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", id).Str("status", string(status)).Msg("failed to publish status")
	}
}

func instanceIdentity(labels map[string]string) (model.Kind, string, bool) {
	if id, ok := labels[engine.LabelComponentID]; ok {
		return model.KindComponent, id, true
	}
	if id, ok := labels[engine.LabelServerID]; ok {
		return model.KindServer, id, true
	}
	return "", "", false
}

func (e *Exporter) markExpectedStop(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expectedStops[id] = struct{}{}
}

func (e *Exporter) consumeExpectedStop(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.expectedStops[id]; ok {
		delete(e.expectedStops, id)
		return true
	}
	return false
}
