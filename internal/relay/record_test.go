package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestPairIDIsOrderIndependent(t *testing.T) {
	assert.Equal(t, "5:alice_3:bob", PairID("bob", "alice"))
	assert.Equal(t, PairID("alice", "bob"), PairID("bob", "alice"))
}

func TestPairIDSeparatorInIDs(t *testing.T) {
	assert.NotEqual(t, PairID("a_b", "c"), PairID("a", "b_c"))
	assert.NotEqual(t, PairID("a:1", "b"), PairID("a", "1:b"))
}

func TestAssignRole(t *testing.T) {
	assert.Equal(t, RoleOfferer, AssignRole("alice", "bob"))
	assert.Equal(t, RoleAnswerer, AssignRole("bob", "alice"))
	assert.Equal(t, RoleAnswerer, RoleOfferer.Opposite())
}

func TestCandidateCollection(t *testing.T) {
	assert.Equal(t, CallerCandidates, CandidateCollection(VariantCall, RoleOfferer))
	assert.Equal(t, CalleeCandidates, CandidateCollection(VariantCall, RoleAnswerer))
	assert.Equal(t, OffererCandidates, CandidateCollection(VariantWalkie, RoleOfferer))
	assert.Equal(t, AnswererCandidates, CandidateCollection(VariantWalkie, RoleAnswerer))
}

func TestRecordRoles(t *testing.T) {
	rec := callRecord("alice_bob")
	assert.Equal(t, "alice", rec.CallerID())
	assert.Equal(t, "Bob", rec.CalleeName())

	role, ok := rec.RoleOf("bob")
	assert.True(t, ok)
	assert.Equal(t, RoleAnswerer, role)

	_, ok = rec.RoleOf("mallory")
	assert.False(t, ok)
}

func TestPatchApply(t *testing.T) {
	rec := callRecord("alice_bob")
	first := media.SessionDescriptor{Type: media.SDPAnswer, SDP: "first"}
	second := media.SessionDescriptor{Type: media.SDPAnswer, SDP: "second"}

	Patch{Answer: &first, Status: StatusPtr(StatusAccepted)}.Apply(&rec)
	Patch{Answer: &second}.Apply(&rec)
	assert.Equal(t, "first", rec.Answer.SDP, "answer is written once")
	assert.Equal(t, StatusAccepted, rec.Status)

	restart := &Renegotiation{Generation: 1, From: "alice", Offer: &media.SessionDescriptor{Type: media.SDPOffer, SDP: "r1"}}
	Patch{Restart: restart}.Apply(&rec)
	restart.Offer.SDP = "mutated"
	assert.Equal(t, "r1", rec.Restart.Offer.SDP, "patch values are copied")

	Patch{Status: StatusPtr(StatusEnded)}.Apply(&rec)
	Patch{Status: StatusPtr(StatusConnected)}.Apply(&rec)
	assert.Equal(t, StatusEnded, rec.Status)
	assert.True(t, rec.Status.Terminal())
	assert.False(t, StatusAccepted.Terminal())
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := callRecord("alice_bob")
	rec.Restart = &Renegotiation{Generation: 2, Offer: &media.SessionDescriptor{SDP: "x"}}

	c := rec.Clone()
	c.Offer.SDP = "changed"
	c.Restart.Offer.SDP = "changed"
	assert.Equal(t, "v=0 offer", rec.Offer.SDP)
	assert.Equal(t, "x", rec.Restart.Offer.SDP)

	var missing *Record
	assert.Nil(t, missing.Clone())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindOther},
		{errors.New("boom"), KindOther},
		{ErrNotFound, KindNotFound},
		{fmt.Errorf("get: %w", ErrPermission), KindPermission},
		{context.DeadlineExceeded, KindTimeout},
		{io.EOF, KindUnavailable},
		{timeoutErr{}, KindTimeout},
		{&websocket.CloseError{Code: websocket.ClosePolicyViolation}, KindPermission},
		{&websocket.CloseError{Code: websocket.CloseAbnormalClosure}, KindUnavailable},
		{&Error{Op: "create", Kind: KindTimeout, Err: errors.New("slow")}, KindTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindOther, KindUnavailable, KindTimeout, KindPermission, KindNotFound} {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.False(t, KindPermission.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.True(t, KindUnavailable.Retryable())
}

func TestFrameErrorKeepsKind(t *testing.T) {
	f := ErrorFrame("7", &Error{Op: "merge", Kind: KindNotFound, Err: ErrNotFound})
	assert.Equal(t, "7", f.ID)

	err := FrameError("merge", f)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, Classify(err))

	assert.NoError(t, FrameError("merge", &Frame{Type: FrameResult}))
}

func TestPolicyDelays(t *testing.T) {
	p := DefaultPolicies()
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, p.Write.Delays())
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
	}, p.Terminal.Delays())
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, p.Candidate.Delays())

	capped := RetryPolicy{Attempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, capped.Delays())
}
