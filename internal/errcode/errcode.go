// Package errcode defines the error kinds the core emits and the numeric
// code table adapters consult to turn internal reasons into user-visible
// {code, text} pairs.
package errcode

import (
	"errors"
	"fmt"
)

// Kind is a stable error identifier. Kinds are compared by value; the
// numeric wire code is looked up separately via Resolve.
type Kind string

const (
	KindSessionNotFound Kind = "session_not_found"
	KindCallNotFound    Kind = "call_not_found"
	KindInviteNotFound  Kind = "invite_not_found"
	KindAlreadyAnswered Kind = "already_answered"
	KindNoDestination   Kind = "no_destination"
	KindNoAnswer        Kind = "no_answer"
	KindUserNotFound    Kind = "user_not_found"
	KindSessionError    Kind = "session_error"
	KindCallError       Kind = "call_error"
	KindBackendError    Kind = "backend_error"
	KindTimeout         Kind = "timeout"
	KindUnknownCommand  Kind = "unknown_command"
)

// Error carries a kind plus optional detail (used by backend_error).
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New returns an error of the given kind.
func New(kind Kind) error {
	return &Error{Kind: kind}
}

// Backend returns a backend_error with engine-supplied detail.
func Backend(detail string) error {
	return &Error{Kind: KindBackendError, Detail: detail}
}

// KindOf extracts the Kind from err, or "" if err is not an errcode error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Code is a user-visible numeric error with text.
type Code struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

// Numeric ranges per layer:
//
//	2110-2115 SIP, 2130-2131 Verto, 2300-2311 FS, 2400-2412 KMS.
var codes = map[string]Code{
	// SIP layer
	"sip_register_disabled": {2110, "SIP registrar disabled"},
	"sip_invalid_domain":    {2111, "SIP invalid domain"},
	"sip_not_registered":    {2112, "SIP user not registered"},
	"sip_invalid_sdp":       {2113, "SIP invalid SDP"},
	"sip_dialog_not_found":  {2114, "SIP dialog not found"},
	"sip_reinvite_rejected": {2115, "SIP reINVITE not supported"},
	// Verto layer
	"verto_login_failed": {2130, "Verto login failed"},
	"verto_unknown_call": {2131, "Verto unknown call id"},
	// FS backend
	"fs_not_available":     {2300, "FS engine not available"},
	"fs_channel_not_found": {2301, "FS channel not found"},
	"fs_channel_stop":      {2302, "FS channel stopped"},
	"fs_transfer_error":    {2303, "FS transfer failed"},
	"fs_park_timeout":      {2304, "FS park wait timed out"},
	"fs_bridge_error":      {2305, "FS bridge failed"},
	"fs_conference_error":  {2306, "FS conference command failed"},
	"fs_layout_unknown":    {2307, "FS unknown MCU layout"},
	"fs_peer_not_found":    {2308, "FS bridge peer not found"},
	"fs_start_error":       {2309, "FS media start failed"},
	"fs_answer_error":      {2310, "FS answer failed"},
	"fs_disconnected":      {2311, "FS engine disconnected"},
	// KMS backend
	"kms_not_available":     {2400, "KMS engine not available"},
	"kms_endpoint_error":    {2401, "KMS endpoint create failed"},
	"kms_offer_error":       {2402, "KMS offer processing failed"},
	"kms_answer_error":      {2403, "KMS answer processing failed"},
	"kms_candidate_error":   {2404, "KMS ICE candidate rejected"},
	"kms_publisher_unknown": {2405, "KMS unknown publisher"},
	"kms_room_error":        {2406, "KMS room operation failed"},
	"kms_connect_error":     {2407, "KMS connect failed"},
	"kms_update_error":      {2408, "KMS update failed"},
	"kms_proxy_error":       {2409, "KMS proxy failed"},
	"kms_session_lost":      {2410, "KMS session lost"},
	"kms_timeout":           {2411, "KMS operation timed out"},
	"kms_disconnected":      {2412, "KMS engine disconnected"},
}

// Resolve maps an internal reason to its wire code. Unknown reasons map to
// {0, reason} so callers never lose the original text.
func Resolve(reason string) Code {
	if c, ok := codes[reason]; ok {
		return c
	}
	return Code{Code: 0, Text: reason}
}
