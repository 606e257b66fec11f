// Package sip implements the SIP PUBLISH/SUBSCRIBE/NOTIFY watcher state
// machine atop the presence engine: request dispatch, the watcher
// registry (with its own persisted expiry timers), and PIDF/NOTIFY
// construction. The SIP transport, transaction layer, and dialog store
// are collaborator contracts a caller wires in — this package never
// parses or sends a wire-format SIP message itself.
package sip

import (
	"context"
	"strings"
)

// Request is the minimal shape of an inbound PUBLISH/SUBSCRIBE this
// package needs: enough to express the contract without a transaction
// layer. CallID/FromTag/ToTag form the dialog tuple; ToTag is empty for
// an out-of-dialog request.
type Request struct {
	Method string

	User string
	Host string

	CallID  string
	FromTag string
	ToTag   string

	Headers map[string]string
	Body    string
}

func (r *Request) header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// Resource renders the request-URI as the resource key convention
// (user@host) the presence engine keys on.
func (r *Request) Resource() string {
	return r.User + "@" + r.Host
}

// Response is the minimal outbound SIP response shape.
type Response struct {
	Status  int
	Reason  string
	Headers map[string]string
	Body    string
}

func newResponse(status int, reason string) *Response {
	return &Response{Status: status, Reason: reason, Headers: map[string]string{}}
}

// Dialog is a SIP dialog a SUBSCRIBE has established or refreshed.
type Dialog interface {
	ID() WatcherID
	CreateRequest(method string) *Request
}

// DialogStore is the collaborator that owns dialog creation, lookup, and
// teardown. The sip package never constructs a Dialog itself.
type DialogStore interface {
	Get(ctx context.Context, id WatcherID) (Dialog, error)
	Create(ctx context.Context, req *Request) (Dialog, error)
	Remove(ctx context.Context, id WatcherID) error
}

// Transport sends mid-dialog SIP requests (NOTIFY) on the wire. The sip
// package never touches a socket directly. Responses to PUBLISH/SUBSCRIBE
// are handed back to the caller as a *Response instead of sent here,
// since the caller owns the transaction the request arrived on.
type Transport interface {
	SendRequest(ctx context.Context, dialog Dialog, req *Request) error
}

// WatcherID is the SIP dialog identifier tuple, stringified by joining
// with ":" to form the storage keys in sys:watchers_by_resource,
// sys:resource_by_watcher, and sys:watcher_timers. None of the three
// elements may itself contain ":".
type WatcherID struct {
	CallID  string
	FromTag string
	ToTag   string
}

// NewWatcherID validates the tuple and returns its WatcherID, or an error
// if any element contains the ":" separator.
func NewWatcherID(callID, fromTag, toTag string) (WatcherID, error) {
	for _, part := range []string{callID, fromTag, toTag} {
		if strings.Contains(part, ":") {
			return WatcherID{}, errContainsSeparator
		}
	}
	return WatcherID{CallID: callID, FromTag: fromTag, ToTag: toTag}, nil
}

// String joins the tuple with ":", the form persisted in storage.
func (w WatcherID) String() string {
	return w.CallID + ":" + w.FromTag + ":" + w.ToTag
}

// ParseWatcherID is the inverse of String, used when reading a watcher
// key back out of storage.
func ParseWatcherID(s string) (WatcherID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return WatcherID{}, errMalformedWatcherID
	}
	return WatcherID{CallID: parts[0], FromTag: parts[1], ToTag: parts[2]}, nil
}
