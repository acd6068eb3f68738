// Package wire implements the HTTP transport of spec.md §6: the Agent ↔
// Fusion wire protocol (session handshake, event ingest, heartbeat) and the
// client-facing read APIs, both gated by the X-API-Key scheme spec.md §6
// describes ("bound to a view id directly... or indirectly via a Receiver
// config with (key, pipe_id) pairs — both schemes coexist").
package wire

import (
	"github.com/excelwang/fustor-sub003/internal/config"
	"github.com/excelwang/fustor-sub003/internal/view"
)

// APIKeyHeader is the header every wire and read API call carries.
const APIKeyHeader = "X-API-Key"

// Authorizer resolves an X-API-Key against the two coexisting binding
// schemes spec.md §6 describes.
type Authorizer struct {
	views *view.Registry

	// receiverPipeKeys maps (api_key, pipe_id) -> receiver id, the indirect
	// binding scheme.
	receiverPipeKeys map[keyPipe]string
	// receiverViews maps receiver id -> the view ids its Fusion Pipes expose.
	receiverViews map[string]map[string]bool
}

type keyPipe struct {
	key    string
	pipeID string
}

// NewAuthorizer builds an Authorizer from a view registry (direct bindings
// live on each View's Config.APIKey) and a loaded Fusion config (indirect
// bindings: Receiver.Keys and FusionPipeConfig.ViewIDs).
func NewAuthorizer(views *view.Registry, cfg *config.Fusion) *Authorizer {
	a := &Authorizer{
		views:            views,
		receiverPipeKeys: make(map[keyPipe]string),
		receiverViews:    make(map[string]map[string]bool),
	}
	if cfg == nil {
		return a
	}
	for _, r := range cfg.Receivers {
		for _, k := range r.Keys {
			a.receiverPipeKeys[keyPipe{key: k.APIKey, pipeID: k.PipeID}] = r.ID
		}
	}
	for _, p := range cfg.Pipes {
		set, ok := a.receiverViews[p.ReceiverID]
		if !ok {
			set = make(map[string]bool)
			a.receiverViews[p.ReceiverID] = set
		}
		for _, vid := range p.ViewIDs {
			set[vid] = true
		}
	}
	return a
}

// AuthorizePipe checks an Agent's handshake key against both binding
// schemes: direct (the view's own APIKey) or indirect (a Receiver key scoped
// to pipeID whose Fusion Pipe exposes viewID).
func (a *Authorizer) AuthorizePipe(apiKey, viewID, pipeID string) bool {
	if a.authorizeDirect(apiKey, viewID) {
		return true
	}
	receiverID, ok := a.receiverPipeKeys[keyPipe{key: apiKey, pipeID: pipeID}]
	if !ok {
		return false
	}
	return a.receiverViews[receiverID][viewID]
}

// AuthorizeView checks a read API caller's key against the view's own
// direct APIKey binding; read callers don't carry a pipe_id, so only the
// direct scheme applies here.
func (a *Authorizer) AuthorizeView(apiKey, viewID string) bool {
	return a.authorizeDirect(apiKey, viewID)
}

func (a *Authorizer) authorizeDirect(apiKey, viewID string) bool {
	v, ok := a.views.Get(viewID)
	if !ok {
		return false
	}
	return v.Config.APIKey != "" && v.Config.APIKey == apiKey
}
