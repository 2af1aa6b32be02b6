package collections

import (
	"encoding/json"

	"github.com/amberbase/amberbase/connection"
)

// Action is one of the document operations access rights are granted for.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// AccessRights models who may do what on a collection, either as a role to
// allowed-actions map or as a predicate over the acting user, the document
// (nil for creation and subscription checks) and the action. When Predicate is
// set it takes precedence over Roles.
type AccessRights struct {
	Roles     map[string][]Action
	Predicate func(user connection.UserContext, document json.RawMessage, action Action) bool
}

// Allows evaluates the configured variant. An AccessRights value with neither
// variant set denies everything; a nil *AccessRights on Settings allows
// everything, see Settings.
func (r *AccessRights) Allows(user connection.UserContext, document json.RawMessage, action Action) bool {
	if r.Predicate != nil {
		return r.Predicate(user, document, action)
	}
	for _, role := range user.Roles {
		for _, allowed := range r.Roles[role] {
			if allowed == action {
				return true
			}
		}
	}
	return false
}

// DocumentChange describes one committed mutation, handed to the optional
// change hook after broadcast. Engine is provided so hooks can run cascades.
type DocumentChange struct {
	Tenant     string
	UserID     string
	DocumentID string
	OldData    json.RawMessage
	NewData    json.RawMessage
	Action     Action
	Engine     *Engine
}

// ChangeHook runs after a mutation has been committed and broadcast. Failures
// are logged and never surfaced to the caller; the mutation cannot be rolled
// back at that point.
type ChangeHook func(change DocumentChange) error

// Settings configures one named collection. Registered once at startup,
// immutable thereafter.
type Settings struct {
	// AccessRights guards every protocol-triggered operation. A nil value is
	// the permissive default and allows every action; this is deliberately
	// distinct from an explicit empty AccessRights, which denies.
	AccessRights *AccessRights

	// AccessTagsFromUser derives the visibility tags of a user. When nil, the
	// collection has no per-user filtering and every subscriber sees every
	// document.
	AccessTagsFromUser func(user connection.UserContext) []string

	// AccessTagsFromDocument derives the visibility tags stored on a document.
	AccessTagsFromDocument func(data json.RawMessage) []string

	// DataTagsFromDocument derives the secondary tag set backing indexed
	// server-side lookups. Independent of visibility.
	DataTagsFromDocument func(data json.RawMessage) []string

	// Validator is consulted after access passes and before persistence. Old
	// data is nil on create, new data is nil on delete.
	Validator func(user connection.UserContext, oldData, newData json.RawMessage, action Action) bool

	// OnDocumentChange is the optional fire-and-forget change hook.
	OnDocumentChange ChangeHook
}

func (s Settings) allows(user connection.UserContext, document json.RawMessage, action Action) bool {
	if s.AccessRights == nil {
		return true
	}
	return s.AccessRights.Allows(user, document, action)
}

func (s Settings) accessTags(data json.RawMessage) []string {
	if s.AccessTagsFromDocument == nil {
		return nil
	}
	return s.AccessTagsFromDocument(data)
}

func (s Settings) dataTags(data json.RawMessage) []string {
	if s.DataTagsFromDocument == nil {
		return nil
	}
	return s.DataTagsFromDocument(data)
}

// userTags returns nil when the collection is unfiltered; an unfiltered
// subscriber receives every document of the tenant.
func (s Settings) userTags(user connection.UserContext) []string {
	if s.AccessTagsFromUser == nil {
		return nil
	}
	tags := s.AccessTagsFromUser(user)
	if tags == nil {
		tags = []string{}
	}
	return tags
}

func (s Settings) validate(user connection.UserContext, oldData, newData json.RawMessage, action Action) bool {
	if s.Validator == nil {
		return true
	}
	return s.Validator(user, oldData, newData, action)
}
