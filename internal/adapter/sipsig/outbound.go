package sipsig

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/atyenoria/nkmedia/internal/call"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
)

// outboundLeg tracks one out-leg INVITE placed on behalf of a call.
type outboundLeg struct {
	callID    string // core call id
	sipCallID string
	dest      string
	link      fabric.SIPOutLink
	invite    *sip.Request
	tx        sip.ClientTransaction
	cancel    context.CancelFunc
	answered  bool
}

// CallReplies is the slice of the call manager the out-leg reports into.
type CallReplies interface {
	Get(id string) (*call.Call, error)
}

// SetCallManager wires the call registry the out-legs report to.
func (a *Adapter) SetCallManager(m CallReplies) { a.calls = m }

// Invite implements the call dispatcher hook for SIP destinations. It
// builds and sends the INVITE and reports ringing/answered/rejected back
// to the call as responses arrive.
func (a *Adapter) Invite(ctx context.Context, callID string, dest call.Destination, offer *media.Payload, meta map[string]any) call.InviteReply {
	if !strings.HasPrefix(dest.Dest, "sip:") && !strings.HasPrefix(dest.Dest, "sips:") {
		return call.InviteReply{Remove: true}
	}
	if offer == nil {
		return call.InviteReply{Remove: true}
	}

	leg := &outboundLeg{
		callID:    callID,
		sipCallID: uuid.New().String() + "@" + a.cfg.AdvertiseAddr,
		dest:      dest.Dest,
		link: fabric.SIPOutLink{
			DestURI: dest.Dest,
			Life:    fabric.NewLifetime(),
		},
	}

	invite, err := a.buildInvite(leg, offer)
	if err != nil {
		slog.Warn("[SIP] Outbound INVITE build failed", "dest", dest.Dest, "error", err)
		return call.InviteReply{Remove: true}
	}
	leg.invite = invite

	txCtx, cancel := context.WithCancel(context.Background())
	leg.cancel = cancel
	tx, err := a.client.TransactionRequest(txCtx, invite)
	if err != nil {
		cancel()
		slog.Warn("[SIP] Outbound INVITE failed", "dest", dest.Dest, "error", err)
		return call.InviteReply{Retry: 2 * time.Second}
	}
	leg.tx = tx

	a.mu.Lock()
	a.outbound[leg.link.Key()] = leg
	a.mu.Unlock()

	go a.runOutbound(leg)

	slog.Info("[SIP] Outbound INVITE sent", "call_id", callID, "dest", dest.Dest, "sip_call_id", leg.sipCallID)
	return call.InviteReply{Link: leg.link}
}

// Cancel implements the call dispatcher hook: the losing out-leg receives
// CANCEL and is dropped.
func (a *Adapter) Cancel(callID string, link fabric.Link) {
	a.mu.Lock()
	leg := a.outbound[link.Key()]
	a.mu.Unlock()
	if leg == nil || leg.callID != callID {
		return
	}
	slog.Info("[SIP] Canceling out-leg", "call_id", callID, "dest", leg.dest)
	a.sendCancel(leg)
	a.dropOutbound(leg)
}

func (a *Adapter) buildInvite(leg *outboundLeg, offer *media.Payload) (*sip.Request, error) {
	var requestURI sip.Uri
	if err := sip.ParseUri(leg.dest, &requestURI); err != nil {
		return nil, err
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "nkmedia",
			Host:   a.cfg.AdvertiseAddr,
			Port:   a.cfg.Port,
		},
		Params: fromParams,
	})

	var toURI sip.Uri
	_ = sip.ParseUri(leg.dest, &toURI)
	invite.AppendHeader(&sip.ToHeader{Address: toURI, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(leg.sipCallID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "nkmedia",
			Host:   a.cfg.AdvertiseAddr,
			Port:   a.cfg.Port,
		},
	})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody([]byte(offer.SDP))

	return invite, nil
}

// runOutbound consumes responses on the client transaction and reports
// them to the call.
func (a *Adapter) runOutbound(leg *outboundLeg) {
	for {
		select {
		case resp := <-leg.tx.Responses():
			if resp == nil {
				a.reportRejected(leg)
				return
			}
			code := int(resp.StatusCode)
			switch {
			case code < 180:
				// 100 Trying: absorb.
			case code < 200:
				a.reportRinging(leg, resp)
			case code < 300:
				a.sendAck(leg, resp)
				a.reportAnswered(leg, resp)
				return
			default:
				slog.Info("[SIP] Out-leg rejected", "dest", leg.dest, "status", code)
				a.reportRejected(leg)
				return
			}
		case <-leg.tx.Done():
			a.reportRejected(leg)
			return
		}
	}
}

func (a *Adapter) reportRinging(leg *outboundLeg, resp *sip.Response) {
	c, err := a.calls.Get(leg.callID)
	if err != nil {
		return
	}
	var answer *media.Payload
	if body := resp.Body(); len(body) > 0 {
		answer = &media.Payload{SDP: string(body), SDPType: media.SDPTypeRTP}
	}
	_ = c.Ringing(leg.link, answer)
}

func (a *Adapter) reportAnswered(leg *outboundLeg, resp *sip.Response) {
	a.mu.Lock()
	leg.answered = true
	a.mu.Unlock()

	c, err := a.calls.Get(leg.callID)
	if err != nil {
		a.sendOutboundBye(leg)
		a.dropOutbound(leg)
		return
	}
	var answer *media.Payload
	if body := resp.Body(); len(body) > 0 {
		answer = &media.Payload{SDP: string(body), SDPType: media.SDPTypeRTP}
	}
	if err := c.Answered(leg.link, answer); err != nil {
		// Lost the race: another leg answered first.
		a.sendOutboundBye(leg)
		a.dropOutbound(leg)
	}
}

func (a *Adapter) reportRejected(leg *outboundLeg) {
	a.dropOutbound(leg)
	if c, err := a.calls.Get(leg.callID); err == nil {
		_ = c.Rejected(leg.link)
	}
}

func (a *Adapter) sendCancel(leg *outboundLeg) {
	a.mu.Lock()
	answered := leg.answered
	a.mu.Unlock()
	if answered {
		a.sendOutboundBye(leg)
		return
	}
	if leg.cancel != nil {
		// Terminating the transaction context makes sipgo CANCEL the
		// pending INVITE.
		leg.cancel()
	}
}

// sendOutboundBye ends a confirmed out-leg dialog.
func (a *Adapter) sendOutboundBye(leg *outboundLeg) {
	var toURI sip.Uri
	if err := sip.ParseUri(leg.dest, &toURI); err != nil {
		return
	}
	bye := sip.NewRequest(sip.BYE, toURI)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	callIDHdr := sip.CallIDHeader(leg.sipCallID)
	bye.AppendHeader(&callIDHdr)
	if from := leg.invite.From(); from != nil {
		bye.AppendHeader(&sip.FromHeader{Address: from.Address, Params: from.Params})
	}
	bye.AppendHeader(&sip.ToHeader{Address: toURI, Params: sip.NewParams()})
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.client.TransactionRequest(ctx, bye); err != nil {
		slog.Warn("[SIP] Out-leg BYE failed", "dest", leg.dest, "error", err)
	}
}

// sendAck completes the 2xx handshake. The Request-URI must be the remote
// target from the response Contact per RFC 3261 13.2.2.4.
func (a *Adapter) sendAck(leg *outboundLeg, resp *sip.Response) {
	requestURI := leg.invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", leg.invite, ack)
	sip.CopyHeaders("Call-ID", leg.invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := leg.invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if dest := resp.Source(); dest != "" {
		ack.SetDestination(dest)
	}

	if err := a.client.WriteRequest(ack); err != nil {
		slog.Warn("[SIP] ACK failed", "dest", leg.dest, "error", err)
	}
}

// handleOutboundBye correlates an incoming BYE with an out-leg dialog and
// ends the relationship: the dead link lifetime tears the call down.
func (a *Adapter) handleOutboundBye(sipCallID string) {
	a.mu.Lock()
	var leg *outboundLeg
	for _, l := range a.outbound {
		if l.sipCallID == sipCallID {
			leg = l
			break
		}
	}
	a.mu.Unlock()
	if leg == nil {
		return
	}
	slog.Info("[SIP] Out-leg BYE received", "dest", leg.dest)
	a.dropOutbound(leg)
}

func (a *Adapter) dropOutbound(leg *outboundLeg) {
	a.mu.Lock()
	delete(a.outbound, leg.link.Key())
	a.mu.Unlock()
	leg.link.Life.End()
}
