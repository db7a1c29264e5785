package relay

import (
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/presence"
)

// Frame is the JSON message exchanged with the relay service over its
// websocket endpoint. Requests carry an ID echoed by the matching result;
// subscription pushes carry the subscription's Sub id.
type Frame struct {
	Type       string              `json:"type"`
	ID         string              `json:"id,omitempty"`
	Sub        string              `json:"sub,omitempty"`
	Doc        string              `json:"doc,omitempty"`
	Collection string              `json:"collection,omitempty"`
	Record     *Record             `json:"record,omitempty"`
	Patch      *Patch              `json:"patch,omitempty"`
	Candidate  *media.IceCandidate `json:"candidate,omitempty"`
	User       *presence.User      `json:"user,omitempty"`
	Peer       *presence.User      `json:"peer,omitempty"`
	Status     presence.Status     `json:"status,omitempty"`
	Users      []presence.User     `json:"users,omitempty"`
	Error      string              `json:"error,omitempty"`
	Kind       string              `json:"kind,omitempty"`
}

// Frame types.
const (
	FrameCreate          = "create"
	FrameMerge           = "merge"
	FrameGet             = "get"
	FrameAppend          = "append"
	FrameDelete          = "delete"
	FrameWatchDocument   = "watch_document"
	FrameWatchCandidates = "watch_candidates"
	FrameUnwatch         = "unwatch"
	FrameSetStatus       = "set_status"
	FrameAddFriend       = "add_friend"
	FrameWatchOnline     = "watch_online"
	FrameWatchFriends    = "watch_friends"

	FrameResult    = "result"
	FrameDocument  = "document"
	FrameCandidate = "candidate"
	FrameUsers     = "users"
	FrameEnd       = "end"
)

// ErrorFrame builds the result frame for a failed request.
func ErrorFrame(id string, err error) *Frame {
	return &Frame{Type: FrameResult, ID: id, Error: err.Error(), Kind: Classify(err).String()}
}

// FrameError turns a failed result frame back into an error.
func FrameError(op string, f *Frame) error {
	if f.Error == "" {
		return nil
	}
	kind := ParseKind(f.Kind)
	var base error
	switch kind {
	case KindNotFound:
		base = ErrNotFound
	case KindPermission:
		base = ErrPermission
	case KindUnavailable:
		base = ErrUnavailable
	default:
		base = remoteError(f.Error)
	}
	return &Error{Op: op, Kind: kind, Err: base}
}

type remoteError string

func (e remoteError) Error() string { return string(e) }
