package sip

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/tippresence/presenced/config"
	"github.com/tippresence/presenced/presence"
	"github.com/tippresence/presenced/storage"
	"github.com/tippresence/presenced/timer"
)

// Config carries the SIP-layer settings spec.md §6 enumerates for
// PUBLISH handling.
type Config struct {
	DefaultPublishExpires int
	MinPublishExpires     int
}

// ConfigFromPresenceConfig carries the PUBLISH expiry bounds out of a
// PresenceConfig, its natural source per spec.md §6.
func ConfigFromPresenceConfig(c env.PresenceConfig) Config {
	return Config{
		DefaultPublishExpires: c.DefaultPublishExpires,
		MinPublishExpires:     c.MinPublishExpires,
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultPublishExpires == 0 {
		c.DefaultPublishExpires = 3600
	}
	if c.MinPublishExpires == 0 {
		c.MinPublishExpires = 60
	}
	return c
}

// Service handles PUBLISH/SUBSCRIBE requests atop a presence.Engine: it
// owns the watcher registry and NOTIFY construction, and registers
// itself as an observer of engine so every state change fans out to the
// resource's subscribed watchers.
type Service struct {
	engine    *presence.Engine
	dialogs   DialogStore
	transport Transport
	cfg       Config
	log       *logrus.Entry
	reg       *registry
}

// NewService wires a Service to engine, its collaborator dialog store and
// transport, and registers the change-propagation observer.
func NewService(engine *presence.Engine, store storage.Adaptor, clock timer.Service, dialogs DialogStore, transport Transport, cfg Config) *Service {
	s := &Service{
		engine:    engine,
		dialogs:   dialogs,
		transport: transport,
		cfg:       cfg.withDefaults(),
		log:       logrus.WithField("component", "sip.service"),
	}
	s.reg = newRegistry(store, clock, s.log, s.expireWatcher)
	engine.Watch(s.onPresenceChange)
	return s
}

// HandlePublish dispatches a PUBLISH request per spec.md §4.D: event/
// content-type/interval validation, then putStatus/updateStatus/
// removeStatus depending on the (expires, SIP-If-Match) combination.
func (s *Service) HandlePublish(ctx context.Context, req *Request) (*Response, *Error) {
	if req.header("Event") != "presence" {
		return nil, newError(489, "Bad Event").withHeader("Allow-Event", "presence")
	}

	if req.Body != "" {
		if req.header("Content-Type") != "application/pidf+xml" {
			return nil, newError(415, "Unsupported Media Type").withHeader("Accept", "application/pidf+xml")
		}
	}

	expires := s.cfg.DefaultPublishExpires
	if raw := req.header("Expires"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, wrapError(400, "Bad Request", err)
		}
		expires = v
	}
	if expires != 0 && expires < s.cfg.MinPublishExpires {
		return nil, newError(423, "Interval Too Brief")
	}

	tag := req.header("SIP-If-Match")
	resource := req.Resource()

	switch {
	case expires == 0 && tag != "":
		ok, err := s.engine.RemoveStatus(ctx, resource, tag)
		if err != nil && !errors.Is(err, presence.ErrNotFound) {
			return nil, wrapError(500, "Internal Server Error", err)
		}
		if !ok {
			return nil, newError(412, "Conditional Request Failed")
		}
		return publishSuccess(tag, 0), nil

	case expires == 0:
		// Expires: 0 without a conditional tag is ambiguous in the
		// source; rejected rather than removing an unspecified tag.
		return nil, newError(400, "Bad Request")

	case tag != "":
		if err := s.engine.UpdateStatus(ctx, resource, tag, expires); err != nil {
			if errors.Is(err, presence.ErrNotFound) {
				return nil, newError(412, "Conditional Request Failed")
			}
			return nil, wrapError(500, "Internal Server Error", err)
		}
		return publishSuccess(tag, expires), nil

	default:
		doc := map[string]any{"status": statusFromBody(req.Body)}
		minted, err := s.engine.PutStatus(ctx, resource, doc, expires, 0, "")
		if err != nil {
			return nil, wrapError(500, "Internal Server Error", err)
		}
		return publishSuccess(minted, expires), nil
	}
}

func publishSuccess(tag string, expires int) *Response {
	resp := newResponse(200, "OK")
	resp.Headers["SIP-ETag"] = tag
	resp.Headers["Expires"] = strconv.Itoa(expires)
	return resp
}

// HandleSubscribe dispatches a SUBSCRIBE request per spec.md §4.D's
// none→active→terminated state machine.
func (s *Service) HandleSubscribe(ctx context.Context, req *Request) (*Response, *Error) {
	if req.header("Event") != "presence" {
		return nil, newError(489, "Bad Event").withHeader("Allow-Event", "presence")
	}

	expires := s.cfg.DefaultPublishExpires
	if raw := req.header("Expires"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, wrapError(400, "Bad Request", err)
		}
		expires = v
	}

	if req.ToTag != "" {
		return s.handleInDialogSubscribe(ctx, req, expires)
	}
	return s.handleInitialSubscribe(ctx, req, expires)
}

func (s *Service) handleInDialogSubscribe(ctx context.Context, req *Request, expires int) (*Response, *Error) {
	id, err := NewWatcherID(req.CallID, req.FromTag, req.ToTag)
	if err != nil {
		return nil, wrapError(400, "Bad Request", err)
	}

	dialog, derr := s.dialogs.Get(ctx, id)
	if derr != nil {
		return nil, newError(481, "Call/Transaction Does Not Exist")
	}

	resource, rerr := s.reg.resourceOf(ctx, id)
	if errors.Is(rerr, storage.ErrMissingKey) {
		return nil, newError(481, "Call/Transaction Does Not Exist")
	}
	if rerr != nil {
		return nil, wrapError(500, "Internal Server Error", rerr)
	}

	if expires == 0 {
		if err := s.sendNotify(ctx, dialog, resource, "terminated", 0); err != nil {
			s.log.WithError(err).WithField("watcher", id.String()).Error("terminal notify failed")
		}
		if err := s.reg.remove(ctx, id); err != nil && !errors.Is(err, storage.ErrMissingKey) {
			return nil, wrapError(500, "Internal Server Error", err)
		}
		return subscribeSuccess(0), nil
	}

	if err := s.reg.refresh(ctx, id, expires); err != nil {
		return nil, wrapError(500, "Internal Server Error", err)
	}
	if err := s.sendNotify(ctx, dialog, resource, "active", expires); err != nil {
		s.log.WithError(err).WithField("watcher", id.String()).Error("refresh notify failed")
	}
	return subscribeSuccess(expires), nil
}

func (s *Service) handleInitialSubscribe(ctx context.Context, req *Request, expires int) (*Response, *Error) {
	if req.User == "" {
		return nil, newError(404, "Not Found")
	}
	if expires == 0 {
		return nil, newError(400, "Bad Request")
	}

	resource := req.Resource()

	dialog, err := s.dialogs.Create(ctx, req)
	if err != nil {
		return nil, wrapError(500, "Internal Server Error", err)
	}
	id := dialog.ID()

	if err := s.reg.add(ctx, id, resource, expires); err != nil {
		return nil, wrapError(500, "Internal Server Error", err)
	}

	if err := s.sendNotify(ctx, dialog, resource, "active", expires); err != nil {
		s.log.WithError(err).WithField("watcher", id.String()).Error("initial notify failed")
	}

	return subscribeSuccess(expires), nil
}

func subscribeSuccess(expires int) *Response {
	resp := newResponse(200, "OK")
	resp.Headers["Expires"] = strconv.Itoa(expires)
	return resp
}

// sendNotify builds the current aggregated PIDF for resource and sends a
// NOTIFY on dialog with the given subscription state/expires.
func (s *Service) sendNotify(ctx context.Context, dialog Dialog, resource, state string, expires int) error {
	active, err := s.engine.GetStatus(ctx, resource, "")
	if err != nil {
		return errors.Wrap(err, "get status for notify")
	}

	aggregated := presence.Aggregate(active)
	status, _ := aggregated["status"].(string)

	body, err := buildPIDF(resource, status)
	if err != nil {
		return errors.Wrap(err, "build pidf")
	}

	notifyReq := dialog.CreateRequest("NOTIFY")
	notifyReq.Headers = map[string]string{
		"Event":              "presence",
		"Content-Type":       "application/pidf+xml",
		"Subscription-State": subscriptionStateHeader(state, expires),
	}
	notifyReq.Body = body

	return s.transport.SendRequest(ctx, dialog, notifyReq)
}

func subscriptionStateHeader(state string, expires int) string {
	if state == "terminated" {
		return "terminated;expires=0"
	}
	return "active;expires=" + strconv.Itoa(expires)
}

// onPresenceChange is the observer registered with the presence engine:
// it fans the change out to every watcher currently subscribed to
// resource with a fresh NOTIFY.
func (s *Service) onPresenceChange(resource string, active []presence.TaggedStatus) {
	ctx := context.Background()

	watchers, err := s.reg.watchersOf(ctx, resource)
	if err != nil {
		s.log.WithError(err).WithField("resource", resource).Error("list watchers for change propagation failed")
		return
	}

	aggregated := presence.Aggregate(active)
	status, _ := aggregated["status"].(string)

	for _, id := range watchers {
		dialog, err := s.dialogs.Get(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("watcher", id.String()).Warn("dialog missing for watcher, skipping notify")
			continue
		}

		body, err := buildPIDF(resource, status)
		if err != nil {
			s.log.WithError(err).Error("build pidf for change propagation failed")
			continue
		}

		notifyReq := dialog.CreateRequest("NOTIFY")
		notifyReq.Headers = map[string]string{
			"Event":              "presence",
			"Content-Type":       "application/pidf+xml",
			"Subscription-State": "active;expires=" + strconv.FormatInt(s.remainingExpiry(id), 10),
		}
		notifyReq.Body = body

		if err := s.transport.SendRequest(ctx, dialog, notifyReq); err != nil {
			s.log.WithError(err).WithField("watcher", id.String()).Error("change propagation notify failed")
		}
	}
}

// remainingExpiry reports the seconds left on a watcher's current timer,
// used when NOTIFY is triggered by a presence change rather than the
// SUBSCRIBE that established the expires value.
func (s *Service) remainingExpiry(id WatcherID) int64 {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	h, ok := s.reg.timers[id.String()]
	if !ok {
		return 0
	}
	deadline := h.Deadline()
	now := s.reg.clock.Now()
	if deadline < now {
		return 0
	}
	return deadline - now
}

// expireWatcher is invoked by the registry's timer when a watcher's
// subscription expires without refresh: the watcher is simply removed,
// no terminal NOTIFY is required by spec.md for a timer-driven expiry.
func (s *Service) expireWatcher(id WatcherID) {
	ctx := context.Background()
	if err := s.reg.remove(ctx, id); err != nil && !errors.Is(err, storage.ErrMissingKey) {
		s.log.WithError(err).WithField("watcher", id.String()).Error("remove expired watcher failed")
	}
}
